package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/mailing"
	"github.com/embermail/embermail/internal/pkg/logger"
	"github.com/embermail/embermail/internal/provider"
)

const (
	// DefaultBatchSize bounds concurrent outbound sends per campaign.
	DefaultBatchSize = 10

	// DefaultBatchPause is the inter-batch pause bounding burst rate.
	DefaultBatchPause = time.Second

	// Reputation deltas applied per terminal attempt outcome, clamped to
	// [0, 100] by the store.
	reputationSuccessDelta = 0.01
	reputationFailureDelta = -0.05
)

// Batcher drives a campaign's dispatch pass: recipient enumeration,
// attempt reconciliation, and batched, failure-isolated sends.
type Batcher struct {
	store      Store
	recipients RecipientSource
	registry   *provider.Registry
	renderer   *mailing.Renderer
	creds      HostedCredentials
	batchSize  int
	batchPause time.Duration
}

// NewBatcher creates a dispatch batcher.
func NewBatcher(store Store, recipients RecipientSource, registry *provider.Registry, creds HostedCredentials, batchSize int, batchPause time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchPause <= 0 {
		batchPause = DefaultBatchPause
	}
	return &Batcher{
		store:      store,
		recipients: recipients,
		registry:   registry,
		renderer:   mailing.NewRenderer(),
		creds:      creds,
		batchSize:  batchSize,
		batchPause: batchPause,
	}
}

// Dispatch runs a full dispatch pass for a freshly claimed campaign.
// An error return means the pass failed before any attempt was created
// and the campaign should be marked failed; once attempts exist,
// per-recipient failures are isolated and recorded on their rows.
func (b *Batcher) Dispatch(ctx context.Context, c *domain.Campaign, d *domain.SendingDomain) error {
	recs, err := b.recipients.ValidRecipients(ctx, c.ListID)
	if err != nil {
		return fmt.Errorf("enumerate recipients for campaign %s: %w", c.ID, err)
	}

	if len(recs) == 0 {
		// Nothing to send: the campaign completes immediately.
		if _, err := b.store.EnsureBulkJob(ctx, c.ID, 0, time.Now()); err != nil {
			return err
		}
		if _, err := b.store.TryCompleteJob(ctx, c.ID, time.Now()); err != nil {
			return err
		}
		if err := b.store.CompleteCampaign(ctx, c.ID); err != nil {
			return err
		}
		log.Printf("[Batcher] Campaign %s has no valid recipients, completed empty", c.ID)
		return nil
	}

	// Reconcile: find-or-create each attempt row, resetting prior rows
	// to pending. This upsert-not-insert rule is what makes re-polling
	// safe; attempt count always equals valid-recipient count.
	attempts := make([]domain.DeliveryAttempt, 0, len(recs))
	byEmail := make(map[string]domain.Recipient, len(recs))
	for _, rec := range recs {
		a, err := b.store.UpsertPendingAttempt(ctx, c.ID, rec.Email)
		if err != nil {
			return fmt.Errorf("reconcile attempt for %s: %w", logger.RedactEmail(rec.Email), err)
		}
		attempts = append(attempts, *a)
		byEmail[rec.Email] = rec
	}

	if _, err := b.store.EnsureBulkJob(ctx, c.ID, len(attempts), time.Now()); err != nil {
		return fmt.Errorf("ensure bulk job for campaign %s: %w", c.ID, err)
	}

	log.Printf("[Batcher] Campaign %s dispatching %d recipients in batches of %d", c.ID, len(attempts), b.batchSize)
	b.DispatchAttempts(ctx, c, d, attempts, byEmail, true)
	return nil
}

// DispatchAttempts processes the given attempts in sequential batches,
// sending concurrently within each batch. firstPass selects progress
// accounting: first-pass outcomes increment the processed counter, while
// re-dispatches (retries, recovery of already-counted rows) only correct
// success/failure tallies.
func (b *Batcher) DispatchAttempts(ctx context.Context, c *domain.Campaign, d *domain.SendingDomain, attempts []domain.DeliveryAttempt, recipients map[string]domain.Recipient, firstPass bool) {
	for start := 0; start < len(attempts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(attempts) {
			end = len(attempts)
		}
		batch := attempts[start:end]

		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(a domain.DeliveryAttempt) {
				defer wg.Done()
				b.dispatchOne(ctx, c, d, a, recipients[a.Recipient], firstPass)
			}(batch[i])
		}
		// Collect-all: every goroutine records its own outcome; one
		// recipient's failure never aborts its siblings.
		wg.Wait()

		if end < len(attempts) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.batchPause):
			}
		}
	}
}

// dispatchOne resolves the provider, renders and sends one message, and
// records the outcome on the attempt row and the aggregate job.
func (b *Batcher) dispatchOne(ctx context.Context, c *domain.Campaign, d *domain.SendingDomain, a domain.DeliveryAttempt, rec domain.Recipient, firstPass bool) {
	cfg := ResolveProviderConfig(d, b.creds)

	sender, err := b.registry.Resolve(cfg)
	if err != nil {
		b.recordFailure(ctx, c, d, a, err, firstPass)
		return
	}

	subject, html, text, err := b.renderer.RenderMessage(c.Subject, c.HTMLContent, c.PlainContent, rec.Fields)
	if err != nil {
		b.recordFailure(ctx, c, d, a, err, firstPass)
		return
	}

	msg := &domain.EmailMessage{
		ID:          a.ID,
		CampaignID:  c.ID,
		To:          a.Recipient,
		FromName:    c.Name,
		FromEmail:   ResolveFromAddress(d, cfg),
		Subject:     subject,
		HTMLContent: html,
		TextContent: text,
	}

	res, err := sender.Send(ctx, msg)
	if err != nil {
		b.recordFailure(ctx, c, d, a, err, firstPass)
		return
	}
	if !res.Success {
		b.recordFailure(ctx, c, d, a, fmt.Errorf("provider %s rejected message", res.Provider), firstPass)
		return
	}

	if err := b.store.MarkAttemptSent(ctx, a.ID, res.MessageID); err != nil {
		log.Printf("[Batcher] Failed to record sent attempt %s: %v", a.ID, err)
	}
	if firstPass {
		if err := b.store.IncrementJobProgress(ctx, c.ID, true); err != nil {
			log.Printf("[Batcher] Counter update failed for campaign %s: %v", c.ID, err)
		}
	} else {
		// Retry accounting: the original failure was already counted as
		// processed, so only correct the success/failure split.
		if err := b.store.AdjustJobCounters(ctx, c.ID, 1, -1); err != nil {
			log.Printf("[Batcher] Counter correction failed for campaign %s: %v", c.ID, err)
		}
	}
	if err := b.store.AdjustReputation(ctx, d.ID, reputationSuccessDelta); err != nil {
		log.Printf("[Batcher] Reputation update failed for domain %s: %v", d.ID, err)
	}

	b.checkCompletion(ctx, c.ID)
}

func (b *Batcher) recordFailure(ctx context.Context, c *domain.Campaign, d *domain.SendingDomain, a domain.DeliveryAttempt, cause error, firstPass bool) {
	log.Printf("[Batcher] Send to %s failed (campaign %s): %v", logger.RedactEmail(a.Recipient), c.ID, cause)

	if err := b.store.MarkAttemptFailed(ctx, a.ID, cause.Error()); err != nil {
		log.Printf("[Batcher] Failed to record failed attempt %s: %v", a.ID, err)
	}
	if firstPass {
		if err := b.store.IncrementJobProgress(ctx, c.ID, false); err != nil {
			log.Printf("[Batcher] Counter update failed for campaign %s: %v", c.ID, err)
		}
	}
	if err := b.store.AdjustReputation(ctx, d.ID, reputationFailureDelta); err != nil {
		log.Printf("[Batcher] Reputation update failed for domain %s: %v", d.ID, err)
	}

	b.checkCompletion(ctx, c.ID)
}

// checkCompletion fires the campaign's sent transition when the last
// attempt completes. The condition is evaluated against persisted
// aggregate state, so it holds under concurrent completions from
// parallel batch workers; exactly one caller observes the transition.
func (b *Batcher) checkCompletion(ctx context.Context, campaignID string) {
	completed, err := b.store.TryCompleteJob(ctx, campaignID, time.Now())
	if err != nil {
		// Completion stays re-derivable from persisted counters; the
		// next sweep (retry or stall) will re-check.
		log.Printf("[Batcher] Completion check failed for campaign %s: %v", campaignID, err)
		return
	}
	if !completed {
		return
	}
	if err := b.store.CompleteCampaign(ctx, campaignID); err != nil {
		log.Printf("[Batcher] Failed to complete campaign %s: %v", campaignID, err)
		return
	}
	log.Printf("[Batcher] Campaign %s fully processed, marked sent", campaignID)
}
