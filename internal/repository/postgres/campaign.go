package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, owner_id, list_id, sending_domain_id, name, subject,
       COALESCE(html_content,''), COALESCE(plain_content,''), status,
       scheduled_at, sent_at, COALESCE(failure_reason,''), created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.ListID, &c.SendingDomainID, &c.Name, &c.Subject,
		&c.HTMLContent, &c.PlainContent, &c.Status,
		&c.ScheduledAt, &c.SentAt, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *CampaignRepo) Get(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, ownerID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM campaigns WHERE owner_id = $1`
	countArgs := []interface{}{ownerID}
	if f.Status != "" {
		countQ += ` AND status = $2`
		countArgs = append(countArgs, f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE owner_id = $1`
	args := []interface{}{ownerID}
	idx := 2
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, owner_id, list_id, sending_domain_id, name, subject,
			 html_content, plain_content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, c.ID, c.OwnerID, c.ListID, c.SendingDomainID, c.Name, c.Subject,
		c.HTMLContent, c.PlainContent, c.Status)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

func (r *CampaignRepo) Update(ctx context.Context, ownerID, id string, u campaign.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.HTMLContent != nil {
		add("html_content", *u.HTMLContent)
	}
	if u.PlainContent != nil {
		add("plain_content", *u.PlainContent)
	}
	if u.ListID != nil {
		add("list_id", *u.ListID)
	}
	if u.SendingDomainID != nil {
		add("sending_domain_id", *u.SendingDomainID)
	}
	if len(sets) == 0 {
		return nil
	}

	// Edits only land while the monitor has not claimed the campaign.
	q := fmt.Sprintf(`
		UPDATE campaigns SET %s, updated_at = NOW()
		WHERE id = $%d AND owner_id = $%d AND status IN ('draft','ready','scheduled')
	`, strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, ownerID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) Delete(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM campaigns
		WHERE id = $1 AND owner_id = $2 AND status <> 'sending'
	`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a live send from a missing row.
		var status string
		err := r.db.QueryRowContext(ctx,
			`SELECT status FROM campaigns WHERE id = $1 AND owner_id = $2`, id, ownerID,
		).Scan(&status)
		if err == nil && status == string(domain.CampaignSending) {
			return campaign.ErrDeleteSending
		}
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) UpdateStatus(ctx context.Context, ownerID, id string, status domain.CampaignStatus, from ...domain.CampaignStatus) error {
	q := `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2 AND owner_id = $3`
	args := []interface{}{status, id, ownerID}
	if len(from) > 0 {
		q += ` AND status = ANY($4)`
		states := make([]string, len(from))
		for i, s := range from {
			states[i] = string(s)
		}
		args = append(args, pq.Array(states))
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := r.Get(ctx, ownerID, id); getErr != nil {
			return getErr
		}
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) Schedule(ctx context.Context, ownerID, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'scheduled', scheduled_at = $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3 AND status IN ('draft','ready')
	`, at, id, ownerID)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := r.Get(ctx, ownerID, id); getErr != nil {
			return getErr
		}
		return campaign.ErrInvalidTransition
	}
	return nil
}

// Stats assembles the aggregated delivery view from the bulk job and the
// attempt event timestamps. No raw failure reasons leave this query.
func (r *CampaignRepo) Stats(ctx context.Context, ownerID, id string) (*domain.CampaignStats, error) {
	s := &domain.CampaignStats{CampaignID: id}
	err := r.db.QueryRowContext(ctx, `
		SELECT c.status,
		       COALESCE(j.total_emails, 0),
		       COALESCE(j.processed_emails, 0),
		       COALESCE(j.success_count, 0),
		       COALESCE(j.failure_count, 0),
		       COUNT(a.opened_at),
		       COUNT(a.clicked_at),
		       COUNT(a.bounced_at),
		       COUNT(a.complained_at)
		FROM campaigns c
		LEFT JOIN bulk_jobs j ON j.campaign_id = c.id
		LEFT JOIN delivery_attempts a ON a.campaign_id = c.id
		WHERE c.id = $1 AND c.owner_id = $2
		GROUP BY c.status, j.total_emails, j.processed_emails, j.success_count, j.failure_count
	`, id, ownerID).Scan(
		&s.Status, &s.TotalEmails, &s.Processed, &s.Delivered, &s.Failed,
		&s.Opened, &s.Clicked, &s.Bounced, &s.Complained,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	if s.TotalEmails > 0 {
		s.DeliveryRate = float64(s.Delivered) / float64(s.TotalEmails) * 100
		s.BounceRate = float64(s.Bounced) / float64(s.TotalEmails) * 100
	}
	if s.Delivered > 0 {
		s.OpenRate = float64(s.Opened) / float64(s.Delivered) * 100
		s.ClickRate = float64(s.Clicked) / float64(s.Delivered) * 100
	}
	return s, nil
}

// ResetFailedAttempts makes failed and bounced attempts immediately
// sweep-eligible: the retry count goes back to zero and updated_at is
// backdated past any backoff window.
func (r *CampaignRepo) ResetFailedAttempts(ctx context.Context, ownerID, id string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_attempts a
		SET status = 'failed', retry_count = 0, updated_at = NOW() - INTERVAL '1 day'
		FROM campaigns c
		WHERE a.campaign_id = c.id AND c.id = $1 AND c.owner_id = $2
		  AND a.status IN ('failed','bounced')
	`, id, ownerID)
	if err != nil {
		return 0, fmt.Errorf("reset failed attempts: %w", err)
	}
	return res.RowsAffected()
}
