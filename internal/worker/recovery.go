package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embermail/embermail/internal/domain"
)

const (
	// DefaultStallThreshold is how long a campaign may sit in sending
	// before the watchdog intervenes.
	DefaultStallThreshold = 30 * time.Minute

	recoverySweepInterval = 5 * time.Minute
)

// StallRecovery is the watchdog for campaigns stuck in sending: a worker
// crash mid-dispatch leaves the campaign claimed forever unless someone
// picks the pass back up. Recovery re-dispatches the campaign's remaining
// non-terminal attempts, or force-completes when none remain.
type StallRecovery struct {
	store   Store
	lists   RecipientSource
	batcher *Batcher

	threshold time.Duration
	interval  time.Duration

	running   bool
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	recovered int64
	forced    int64
}

// NewStallRecovery creates the watchdog.
func NewStallRecovery(store Store, lists RecipientSource, batcher *Batcher, threshold time.Duration) *StallRecovery {
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return &StallRecovery{
		store:     store,
		lists:     lists,
		batcher:   batcher,
		threshold: threshold,
		interval:  recoverySweepInterval,
	}
}

// Start launches the watchdog loop.
func (sr *StallRecovery) Start() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.running {
		return
	}
	sr.ctx, sr.cancel = context.WithCancel(context.Background())
	sr.running = true

	sr.wg.Add(1)
	go sr.loop()
	log.Printf("[StallRecovery] Started (threshold=%v)", sr.threshold)
}

// Stop halts the watchdog and waits for an in-flight sweep.
func (sr *StallRecovery) Stop() {
	sr.mu.Lock()
	if !sr.running {
		sr.mu.Unlock()
		return
	}
	sr.running = false
	sr.cancel()
	sr.mu.Unlock()

	sr.wg.Wait()
	log.Printf("[StallRecovery] Stopped")
}

func (sr *StallRecovery) loop() {
	defer sr.wg.Done()

	ticker := time.NewTicker(sr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.ctx.Done():
			return
		case <-ticker.C:
			sr.Sweep(sr.ctx)
		}
	}
}

// Sweep inspects every campaign stalled past the threshold. Exported so
// tests and operational tooling can trigger a pass directly.
func (sr *StallRecovery) Sweep(ctx context.Context) {
	stalled, err := sr.store.StalledCampaigns(ctx, time.Now().Add(-sr.threshold))
	if err != nil {
		log.Printf("[StallRecovery] Stalled query failed: %v", err)
		return
	}

	for i := range stalled {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sr.recover(ctx, &stalled[i])
	}
}

func (sr *StallRecovery) recover(ctx context.Context, c *domain.Campaign) {
	remaining, err := sr.store.NonTerminalAttempts(ctx, c.ID)
	if err != nil {
		log.Printf("[StallRecovery] Attempt query for campaign %s failed: %v", c.ID, err)
		return
	}

	if len(remaining) == 0 {
		// Every attempt reached a terminal state but the completion
		// transition never fired (crash between last send and the job
		// update). Terminal states were recorded, so finish the campaign
		// rather than re-sending.
		if _, err := sr.store.TryCompleteJob(ctx, c.ID, time.Now()); err != nil {
			log.Printf("[StallRecovery] Job completion for campaign %s failed: %v", c.ID, err)
		}
		if err := sr.store.CompleteCampaign(ctx, c.ID); err != nil {
			log.Printf("[StallRecovery] Force-complete for campaign %s failed: %v", c.ID, err)
			return
		}
		atomic.AddInt64(&sr.forced, 1)
		log.Printf("[StallRecovery] Campaign %s had no work remaining, force-completed", c.ID)
		return
	}

	d, err := sr.store.GetSendingDomain(ctx, c.SendingDomainID)
	if err != nil {
		log.Printf("[StallRecovery] Domain lookup for campaign %s failed: %v", c.ID, err)
		return
	}

	recs, err := sr.lists.ValidRecipients(ctx, c.ListID)
	if err != nil {
		log.Printf("[StallRecovery] Recipient lookup for campaign %s failed: %v", c.ID, err)
		return
	}
	byEmail := make(map[string]domain.Recipient, len(recs))
	for _, r := range recs {
		byEmail[r.Email] = r
	}

	atomic.AddInt64(&sr.recovered, 1)
	log.Printf("[StallRecovery] Campaign %s stalled with %d unfinished attempts, resuming", c.ID, len(remaining))

	// Pending rows never had an outcome counted, so they get first-pass
	// accounting. Retrying rows already counted a failure when they first
	// failed, so re-dispatching them only corrects the tallies.
	var pending, retrying []domain.DeliveryAttempt
	for _, a := range remaining {
		if a.Status == domain.AttemptRetrying {
			retrying = append(retrying, a)
		} else {
			pending = append(pending, a)
		}
	}
	if len(pending) > 0 {
		sr.batcher.DispatchAttempts(ctx, c, d, pending, byEmail, true)
	}
	if len(retrying) > 0 {
		sr.batcher.DispatchAttempts(ctx, c, d, retrying, byEmail, false)
	}
}

// Stats reports watchdog counters for the health endpoint.
func (sr *StallRecovery) Stats() map[string]interface{} {
	sr.mu.RLock()
	running := sr.running
	sr.mu.RUnlock()
	return map[string]interface{}{
		"running":         running,
		"recovered":       atomic.LoadInt64(&sr.recovered),
		"force_completed": atomic.LoadInt64(&sr.forced),
	}
}
