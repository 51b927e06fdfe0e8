package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/embermail/embermail/internal/domain"
)

// RecipientRepo implements worker.RecipientSource against PostgreSQL.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient source.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// ValidRecipients returns the list's addresses that have not been marked
// invalid, with their personalization fields decoded from jsonb.
func (r *RecipientRepo) ValidRecipients(ctx context.Context, listID string) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, COALESCE(fields, '{}'::jsonb)
		FROM list_recipients
		WHERE list_id = $1 AND valid = true
		ORDER BY email ASC
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("valid recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rec domain.Recipient
		var raw []byte
		if err := rows.Scan(&rec.Email, &raw); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode recipient fields for %s: %w", rec.Email, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
