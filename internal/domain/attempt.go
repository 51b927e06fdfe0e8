package domain

import "time"

// AttemptStatus enumerates the lifecycle of a single per-recipient
// delivery attempt.
//
//	pending → sent
//	pending → failed → retrying → sent | failed
//
// A row stuck in retrying beyond the stale timeout is forced back to
// failed so it re-enters the retry sweep.
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptSent     AttemptStatus = "sent"
	AttemptFailed   AttemptStatus = "failed"
	AttemptRetrying AttemptStatus = "retrying"
	AttemptBounced  AttemptStatus = "bounced"
)

// IsTerminal reports whether the attempt needs no further dispatch work.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptSent || s == AttemptFailed || s == AttemptBounced
}

// DeliveryAttempt is the per-(campaign, recipient) send-status record.
// Exactly one row per pair ever exists: reprocessing updates in place,
// never inserts a duplicate.
type DeliveryAttempt struct {
	ID            string        `json:"id" db:"id"`
	CampaignID    string        `json:"campaign_id" db:"campaign_id"`
	Recipient     string        `json:"recipient" db:"recipient"`
	Status        AttemptStatus `json:"status" db:"status"`
	RetryCount    int           `json:"retry_count" db:"retry_count"`
	FailureReason string        `json:"failure_reason" db:"failure_reason"`
	MessageID     string        `json:"message_id" db:"message_id"`
	SentAt        *time.Time    `json:"sent_at" db:"sent_at"`
	OpenedAt      *time.Time    `json:"opened_at" db:"opened_at"`
	ClickedAt     *time.Time    `json:"clicked_at" db:"clicked_at"`
	BouncedAt     *time.Time    `json:"bounced_at" db:"bounced_at"`
	ComplainedAt  *time.Time    `json:"complained_at" db:"complained_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// BulkJobStatus enumerates the aggregate job states.
type BulkJobStatus string

const (
	JobProcessing BulkJobStatus = "processing"
	JobCompleted  BulkJobStatus = "completed"
	JobFailed     BulkJobStatus = "failed"
)

// BulkJob tracks aggregate progress for one campaign's dispatch pass.
// ProcessedEmails is monotonically non-decreasing; completion
// (processed == total) fires the campaign's sent transition exactly once.
type BulkJob struct {
	ID              string        `json:"id" db:"id"`
	CampaignID      string        `json:"campaign_id" db:"campaign_id"`
	Status          BulkJobStatus `json:"status" db:"status"`
	TotalEmails     int           `json:"total_emails" db:"total_emails"`
	ProcessedEmails int           `json:"processed_emails" db:"processed_emails"`
	SuccessCount    int           `json:"success_count" db:"success_count"`
	FailureCount    int           `json:"failure_count" db:"failure_count"`
	StartedAt       *time.Time    `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at" db:"completed_at"`
}

// Done reports whether every enumerated recipient has reached a terminal
// outcome at least once.
func (j *BulkJob) Done() bool {
	return j.TotalEmails > 0 && j.ProcessedEmails >= j.TotalEmails
}
