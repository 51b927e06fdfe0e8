// Package worker contains the campaign delivery pipeline: the monitor
// loop, the throughput guard, the dispatch batcher, the retry
// coordinator, and stalled-campaign recovery.
//
// Workers are split into individual files:
//   - monitor.go:  top-level scheduler that claims eligible campaigns
//   - guard.go:    pre-claim domain validation and warmup ceilings
//   - batcher.go:  batched, failure-isolated per-recipient dispatch
//   - retry.go:    backoff-driven re-dispatch of failed attempts
//   - recovery.go: watchdog for campaigns stuck in sending
package worker

import (
	"context"
	"time"

	"github.com/embermail/embermail/internal/domain"
)

// Store is the persistence contract the pipeline workers operate on.
// Implementations must be safe for concurrent use; all attempt writes are
// idempotent upserts keyed on (campaign, recipient).
type Store interface {
	// ImmediateCampaigns returns draft/ready campaigns with no schedule or
	// a due schedule, oldest first.
	ImmediateCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)

	// DueScheduledCampaigns returns scheduled campaigns whose scheduled_at
	// has arrived.
	DueScheduledCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)

	// ClaimCampaign atomically transitions a claimable campaign to sending
	// and stamps sent_at. Returns false if another worker got there first
	// or the campaign left a claimable state.
	ClaimCampaign(ctx context.Context, id string, now time.Time) (bool, error)

	// FailCampaign transitions a campaign to failed with a reason.
	// Terminal states are never overwritten.
	FailCampaign(ctx context.Context, id, reason string) error

	// CompleteCampaign transitions a sending campaign to sent.
	CompleteCampaign(ctx context.Context, id string) error

	// StalledCampaigns returns sending campaigns whose sent_at is older
	// than the cutoff.
	StalledCampaigns(ctx context.Context, cutoff time.Time) ([]domain.Campaign, error)

	// GetCampaign returns one campaign by ID.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// GetSendingDomain returns one sending domain by ID.
	GetSendingDomain(ctx context.Context, id string) (*domain.SendingDomain, error)

	// SentVolumeSince returns the total recipient count across this
	// domain's sent campaigns since the given instant (warmup window).
	SentVolumeSince(ctx context.Context, domainID string, since time.Time) (int, error)

	// AdjustReputation applies a clamped delta to a domain's reputation.
	AdjustReputation(ctx context.Context, domainID string, delta float64) error

	// UpsertPendingAttempt finds or creates the attempt row for
	// (campaign, recipient) and resets it to pending with transient
	// fields cleared. Never inserts a duplicate.
	UpsertPendingAttempt(ctx context.Context, campaignID, recipient string) (*domain.DeliveryAttempt, error)

	// MarkAttemptSent records a successful delivery.
	MarkAttemptSent(ctx context.Context, attemptID, messageID string) error

	// MarkAttemptFailed records a failed delivery, captures the reason,
	// and increments the retry count.
	MarkAttemptFailed(ctx context.Context, attemptID, reason string) error

	// ClaimAttemptRetry moves a failed attempt to retrying. Returns false
	// if the attempt is no longer in failed state.
	ClaimAttemptRetry(ctx context.Context, attemptID string) (bool, error)

	// NonTerminalAttempts returns pending/retrying attempts for a campaign.
	NonTerminalAttempts(ctx context.Context, campaignID string) ([]domain.DeliveryAttempt, error)

	// RetryableAttempts returns failed attempts below the retry ceiling
	// whose last update is older than baseDelay × 2^retryCount.
	RetryableAttempts(ctx context.Context, maxRetries int, baseDelay time.Duration, now time.Time, limit int) ([]domain.DeliveryAttempt, error)

	// ReleaseStaleRetrying forces attempts stuck in retrying longer than
	// the cutoff back to failed. Returns how many were released.
	ReleaseStaleRetrying(ctx context.Context, cutoff time.Time) (int64, error)

	// EnsureBulkJob creates or resets the aggregate job for a dispatch
	// pass with the given recipient total.
	EnsureBulkJob(ctx context.Context, campaignID string, total int, now time.Time) (*domain.BulkJob, error)

	// IncrementJobProgress adds one processed email and one success or
	// failure. Counters only ever grow through this call.
	IncrementJobProgress(ctx context.Context, campaignID string, success bool) error

	// AdjustJobCounters applies retry accounting corrections (for example
	// success +1 / failure −1 when a retry turns a failure into a
	// delivery) without touching the processed count.
	AdjustJobCounters(ctx context.Context, campaignID string, successDelta, failureDelta int) error

	// TryCompleteJob marks the job completed when processed >= total,
	// against persisted state so it is safe under concurrent completions.
	// Returns true only for the single call that performed the transition.
	TryCompleteJob(ctx context.Context, campaignID string, now time.Time) (bool, error)

	// GetBulkJob returns the aggregate job for a campaign.
	GetBulkJob(ctx context.Context, campaignID string) (*domain.BulkJob, error)
}

// RecipientSource returns the current valid-address set for a campaign's
// target list. Addresses marked invalid are already excluded.
type RecipientSource interface {
	ValidRecipients(ctx context.Context, listID string) ([]domain.Recipient, error)
}

// HostedCredentials carries the process-wide API credentials for hosted
// providers. Per-domain SMTP credentials live on the SendingDomain.
type HostedCredentials struct {
	SESAccessKey       string
	SESSecretKey       string
	SESRegion          string
	SESDefaultSender   string
	SparkPostAPIKey    string
	SparkPostBaseURL   string
	SparkPostDefSender string
	SparkPostTimeout   time.Duration
}
