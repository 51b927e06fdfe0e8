package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/embermail/internal/domain"
)

// PipelineStore implements worker.Store against PostgreSQL. State
// transitions are conditional UPDATEs checked by rows-affected, so claims
// and completions stay exclusive across concurrent workers without
// explicit row locks.
type PipelineStore struct{ db *sql.DB }

// NewPipelineStore creates a Postgres-backed pipeline store.
func NewPipelineStore(db *sql.DB) *PipelineStore { return &PipelineStore{db: db} }

func (s *PipelineStore) ImmediateCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status IN ('draft','ready')
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("immediate campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

func (s *PipelineStore) DueScheduledCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

func collectCampaigns(rows *sql.Rows) ([]domain.Campaign, error) {
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PipelineStore) ClaimCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', sent_at = $2, updated_at = NOW()
		WHERE id = $1
		  AND ((status IN ('draft','ready') AND (scheduled_at IS NULL OR scheduled_at <= $2))
		    OR (status = 'scheduled' AND scheduled_at <= $2))
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PipelineStore) FailCampaign(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('sent','failed')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("fail campaign: %w", err)
	}
	return nil
}

func (s *PipelineStore) CompleteCampaign(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	return nil
}

func (s *PipelineStore) StalledCampaigns(ctx context.Context, cutoff time.Time) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'sending' AND sent_at < $1
		ORDER BY sent_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stalled campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

func (s *PipelineStore) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE id = $1
	`, id))
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *PipelineStore) GetSendingDomain(ctx context.Context, id string) (*domain.SendingDomain, error) {
	d, err := scanSendingDomain(s.db.QueryRowContext(ctx, `
		SELECT `+sendingDomainColumns+` FROM sending_domains WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrDomainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sending domain: %w", err)
	}
	return d, nil
}

// SentVolumeSince totals recipients across the domain's completed
// campaigns inside the warmup window.
func (s *PipelineStore) SentVolumeSince(ctx context.Context, domainID string, since time.Time) (int, error) {
	var volume int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(j.total_emails), 0)
		FROM bulk_jobs j
		JOIN campaigns c ON c.id = j.campaign_id
		WHERE c.sending_domain_id = $1 AND c.status = 'sent' AND c.sent_at >= $2
	`, domainID, since).Scan(&volume)
	if err != nil {
		return 0, fmt.Errorf("sent volume: %w", err)
	}
	return volume, nil
}

func (s *PipelineStore) AdjustReputation(ctx context.Context, domainID string, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sending_domains
		SET reputation = GREATEST(0, LEAST(100, reputation + $2)), updated_at = NOW()
		WHERE id = $1
	`, domainID, delta)
	if err != nil {
		return fmt.Errorf("adjust reputation: %w", err)
	}
	return nil
}

const attemptColumns = `id, campaign_id, recipient, status, retry_count,
       COALESCE(failure_reason,''), COALESCE(message_id,''),
       sent_at, opened_at, clicked_at, bounced_at, complained_at, updated_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*domain.DeliveryAttempt, error) {
	a := &domain.DeliveryAttempt{}
	err := row.Scan(
		&a.ID, &a.CampaignID, &a.Recipient, &a.Status, &a.RetryCount,
		&a.FailureReason, &a.MessageID,
		&a.SentAt, &a.OpenedAt, &a.ClickedAt, &a.BouncedAt, &a.ComplainedAt, &a.UpdatedAt,
	)
	return a, err
}

// UpsertPendingAttempt relies on the unique index on (campaign_id,
// recipient): re-polling a campaign resets the existing row instead of
// inserting a sibling.
func (s *PipelineStore) UpsertPendingAttempt(ctx context.Context, campaignID, recipient string) (*domain.DeliveryAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `
		INSERT INTO delivery_attempts
			(id, campaign_id, recipient, status, retry_count, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, NOW())
		ON CONFLICT (campaign_id, recipient) DO UPDATE
		SET status = 'pending', retry_count = 0, failure_reason = '',
		    message_id = '', sent_at = NULL, updated_at = NOW()
		RETURNING `+attemptColumns+`
	`, uuid.New().String(), campaignID, recipient))
	if err != nil {
		return nil, fmt.Errorf("upsert attempt: %w", err)
	}
	return a, nil
}

func (s *PipelineStore) MarkAttemptSent(ctx context.Context, attemptID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status = 'sent', message_id = $2, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, attemptID, messageID)
	if err != nil {
		return fmt.Errorf("mark attempt sent: %w", err)
	}
	return nil
}

func (s *PipelineStore) MarkAttemptFailed(ctx context.Context, attemptID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status = 'failed', failure_reason = $2, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
	`, attemptID, reason)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	return nil
}

func (s *PipelineStore) ClaimAttemptRetry(ctx context.Context, attemptID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status = 'retrying', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, attemptID)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PipelineStore) NonTerminalAttempts(ctx context.Context, campaignID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE campaign_id = $1 AND status IN ('pending','retrying')
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("non-terminal attempts: %w", err)
	}
	return collectAttempts(rows)
}

// RetryableAttempts applies the exponential backoff predicate in SQL:
// a failed attempt is due once baseDelay × 2^retry_count has elapsed
// since its last update.
func (s *PipelineStore) RetryableAttempts(ctx context.Context, maxRetries int, baseDelay time.Duration, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM delivery_attempts
		WHERE status = 'failed'
		  AND retry_count < $1
		  AND updated_at < $3::timestamptz - (interval '1 second' * $2 * power(2, retry_count))
		ORDER BY updated_at ASC
		LIMIT $4
	`, maxRetries, baseDelay.Seconds(), now, limit)
	if err != nil {
		return nil, fmt.Errorf("retryable attempts: %w", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows *sql.Rows) ([]domain.DeliveryAttempt, error) {
	defer rows.Close()
	var out []domain.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PipelineStore) ReleaseStaleRetrying(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET status = 'failed', updated_at = NOW()
		WHERE status = 'retrying' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale retrying: %w", err)
	}
	return res.RowsAffected()
}

const jobColumns = `id, campaign_id, status, total_emails, processed_emails,
       success_count, failure_count, started_at, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.BulkJob, error) {
	j := &domain.BulkJob{}
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.Status, &j.TotalEmails, &j.ProcessedEmails,
		&j.SuccessCount, &j.FailureCount, &j.StartedAt, &j.CompletedAt,
	)
	return j, err
}

// EnsureBulkJob resets counters on conflict because a re-dispatched pass
// reconciles every attempt back to pending first; stale counters from an
// interrupted pass would otherwise complete the job early.
func (s *PipelineStore) EnsureBulkJob(ctx context.Context, campaignID string, total int, now time.Time) (*domain.BulkJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		INSERT INTO bulk_jobs
			(id, campaign_id, status, total_emails, processed_emails,
			 success_count, failure_count, started_at)
		VALUES ($1, $2, 'processing', $3, 0, 0, 0, $4)
		ON CONFLICT (campaign_id) DO UPDATE
		SET status = 'processing', total_emails = $3, processed_emails = 0,
		    success_count = 0, failure_count = 0, started_at = $4, completed_at = NULL
		RETURNING `+jobColumns+`
	`, uuid.New().String(), campaignID, total, now))
	if err != nil {
		return nil, fmt.Errorf("ensure bulk job: %w", err)
	}
	return j, nil
}

func (s *PipelineStore) IncrementJobProgress(ctx context.Context, campaignID string, success bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET processed_emails = processed_emails + 1,
		    success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END
		WHERE campaign_id = $1
	`, campaignID, success)
	if err != nil {
		return fmt.Errorf("increment job progress: %w", err)
	}
	return nil
}

func (s *PipelineStore) AdjustJobCounters(ctx context.Context, campaignID string, successDelta, failureDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET success_count = success_count + $2,
		    failure_count = failure_count + $3
		WHERE campaign_id = $1
	`, campaignID, successDelta, failureDelta)
	if err != nil {
		return fmt.Errorf("adjust job counters: %w", err)
	}
	return nil
}

// TryCompleteJob is the exactly-once completion gate: the conditional
// UPDATE succeeds for a single caller no matter how many batch goroutines
// race on the last attempt.
func (s *PipelineStore) TryCompleteJob(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bulk_jobs
		SET status = 'completed', completed_at = $2
		WHERE campaign_id = $1 AND status = 'processing'
		  AND processed_emails >= total_emails
	`, campaignID, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PipelineStore) GetBulkJob(ctx context.Context, campaignID string) (*domain.BulkJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM bulk_jobs WHERE campaign_id = $1
	`, campaignID))
	if err != nil {
		return nil, fmt.Errorf("get bulk job: %w", err)
	}
	return j, nil
}
