package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/service/sending"
)

// SendingDomainRepo implements sending.Repository against PostgreSQL.
type SendingDomainRepo struct{ db *sql.DB }

// NewSendingDomainRepo creates a Postgres-backed sending-domain repository.
func NewSendingDomainRepo(db *sql.DB) *SendingDomainRepo { return &SendingDomainRepo{db: db} }

const sendingDomainColumns = `id, owner_id, domain, verified, provider,
       COALESCE(default_from_address,''), COALESCE(smtp_host,''), COALESCE(smtp_port,0),
       COALESCE(smtp_username,''), COALESCE(smtp_password,''),
       daily_limit, enable_warmup, reputation, created_at, updated_at`

func scanSendingDomain(row interface{ Scan(...interface{}) error }) (*domain.SendingDomain, error) {
	d := &domain.SendingDomain{}
	err := row.Scan(
		&d.ID, &d.OwnerID, &d.Domain, &d.Verified, &d.Provider,
		&d.DefaultFromAddress, &d.SMTPHost, &d.SMTPPort,
		&d.SMTPUsername, &d.SMTPPassword,
		&d.DailyLimit, &d.EnableWarmup, &d.Reputation, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func (r *SendingDomainRepo) Get(ctx context.Context, ownerID, id string) (*domain.SendingDomain, error) {
	d, err := scanSendingDomain(r.db.QueryRowContext(ctx, `
		SELECT `+sendingDomainColumns+`
		FROM sending_domains
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, sending.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sending domain: %w", err)
	}
	return d, nil
}

func (r *SendingDomainRepo) List(ctx context.Context, ownerID string) ([]domain.SendingDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sendingDomainColumns+`
		FROM sending_domains
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sending domains: %w", err)
	}
	defer rows.Close()

	var out []domain.SendingDomain
	for rows.Next() {
		d, err := scanSendingDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sending domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *SendingDomainRepo) Create(ctx context.Context, d *domain.SendingDomain) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sending_domains
			(id, owner_id, domain, verified, provider, default_from_address,
			 smtp_host, smtp_port, smtp_username, smtp_password,
			 daily_limit, enable_warmup, reputation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`, d.ID, d.OwnerID, d.Domain, d.Verified, d.Provider, d.DefaultFromAddress,
		d.SMTPHost, d.SMTPPort, d.SMTPUsername, d.SMTPPassword,
		d.DailyLimit, d.EnableWarmup, d.Reputation)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return "", sending.ErrDomainTaken
		}
		return "", fmt.Errorf("create sending domain: %w", err)
	}
	return d.ID, nil
}

func (r *SendingDomainRepo) Update(ctx context.Context, d *domain.SendingDomain) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sending_domains
		SET provider = $1, default_from_address = $2, smtp_host = $3, smtp_port = $4,
		    smtp_username = $5, smtp_password = $6, daily_limit = $7,
		    enable_warmup = $8, verified = $9, updated_at = NOW()
		WHERE id = $10 AND owner_id = $11
	`, d.Provider, d.DefaultFromAddress, d.SMTPHost, d.SMTPPort,
		d.SMTPUsername, d.SMTPPassword, d.DailyLimit,
		d.EnableWarmup, d.Verified, d.ID, d.OwnerID)
	if err != nil {
		return fmt.Errorf("update sending domain: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sending.ErrNotFound
	}
	return nil
}

func (r *SendingDomainRepo) Delete(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sending_domains WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete sending domain: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sending.ErrNotFound
	}
	return nil
}

func (r *SendingDomainRepo) SetVerified(ctx context.Context, ownerID, id string, verified bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sending_domains SET verified = $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3
	`, verified, id, ownerID)
	if err != nil {
		return fmt.Errorf("set verified: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sending.ErrNotFound
	}
	return nil
}
