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
	// DefaultRetryCeiling is the maximum number of delivery failures per
	// recipient before an attempt is abandoned.
	DefaultRetryCeiling = 3

	// DefaultRetryBaseDelay seeds the exponential backoff schedule:
	// base × 2^retryCount since the attempt's last update.
	DefaultRetryBaseDelay = 15 * time.Minute

	// DefaultStaleRetrying is how long an attempt may sit in retrying
	// before the sweeper assumes its worker died and releases it.
	DefaultStaleRetrying = 10 * time.Minute

	retrySweepInterval = 2 * time.Minute
	retrySweepLimit    = 200
)

// RetryCoordinator periodically sweeps failed delivery attempts that have
// aged past their backoff delay and re-dispatches them through the
// batcher with retry accounting.
type RetryCoordinator struct {
	store   Store
	lists   RecipientSource
	batcher *Batcher

	ceiling       int
	baseDelay     time.Duration
	staleRetrying time.Duration
	interval      time.Duration

	running   bool
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sweeps    int64
	reclaimed int64
}

// NewRetryCoordinator creates a retry coordinator over the given store.
func NewRetryCoordinator(store Store, lists RecipientSource, batcher *Batcher, ceiling int, baseDelay, staleRetrying time.Duration) *RetryCoordinator {
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if staleRetrying <= 0 {
		staleRetrying = DefaultStaleRetrying
	}
	return &RetryCoordinator{
		store:         store,
		lists:         lists,
		batcher:       batcher,
		ceiling:       ceiling,
		baseDelay:     baseDelay,
		staleRetrying: staleRetrying,
		interval:      retrySweepInterval,
	}
}

// SetInterval overrides the sweep cadence. Must be called before Start.
func (rc *RetryCoordinator) SetInterval(d time.Duration) {
	if d > 0 {
		rc.interval = d
	}
}

// Start launches the sweep loop.
func (rc *RetryCoordinator) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.running {
		return
	}
	rc.ctx, rc.cancel = context.WithCancel(context.Background())
	rc.running = true

	rc.wg.Add(1)
	go rc.loop()
	log.Printf("[RetryCoordinator] Started (ceiling=%d, base delay=%v)", rc.ceiling, rc.baseDelay)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (rc *RetryCoordinator) Stop() {
	rc.mu.Lock()
	if !rc.running {
		rc.mu.Unlock()
		return
	}
	rc.running = false
	rc.cancel()
	rc.mu.Unlock()

	rc.wg.Wait()
	log.Printf("[RetryCoordinator] Stopped after %d sweeps", atomic.LoadInt64(&rc.sweeps))
}

func (rc *RetryCoordinator) loop() {
	defer rc.wg.Done()

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.Sweep(rc.ctx)
		}
	}
}

// Sweep runs one retry pass: release stale retrying rows, then claim and
// re-dispatch every attempt whose backoff has elapsed. Exported so tests
// and operational tooling can trigger a pass directly.
func (rc *RetryCoordinator) Sweep(ctx context.Context) {
	atomic.AddInt64(&rc.sweeps, 1)

	if released, err := rc.store.ReleaseStaleRetrying(ctx, time.Now().Add(-rc.staleRetrying)); err != nil {
		log.Printf("[RetryCoordinator] Stale release failed: %v", err)
	} else if released > 0 {
		log.Printf("[RetryCoordinator] Released %d attempts stuck in retrying", released)
	}

	attempts, err := rc.store.RetryableAttempts(ctx, rc.ceiling, rc.baseDelay, time.Now(), retrySweepLimit)
	if err != nil {
		log.Printf("[RetryCoordinator] Retryable query failed: %v", err)
		return
	}
	if len(attempts) == 0 {
		return
	}

	// Group by campaign so each campaign's domain and recipient list is
	// loaded once per sweep.
	byCampaign := make(map[string][]domain.DeliveryAttempt)
	for _, a := range attempts {
		byCampaign[a.CampaignID] = append(byCampaign[a.CampaignID], a)
	}

	for campaignID, group := range byCampaign {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rc.retryCampaign(ctx, campaignID, group)
	}
}

func (rc *RetryCoordinator) retryCampaign(ctx context.Context, campaignID string, group []domain.DeliveryAttempt) {
	c, err := rc.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Printf("[RetryCoordinator] Campaign %s lookup failed: %v", campaignID, err)
		return
	}
	d, err := rc.store.GetSendingDomain(ctx, c.SendingDomainID)
	if err != nil {
		log.Printf("[RetryCoordinator] Domain lookup for campaign %s failed: %v", campaignID, err)
		return
	}

	fields, err := rc.recipientFields(ctx, c.ListID)
	if err != nil {
		log.Printf("[RetryCoordinator] Recipient lookup for campaign %s failed: %v", campaignID, err)
		return
	}

	claimed := make([]domain.DeliveryAttempt, 0, len(group))
	for _, a := range group {
		ok, err := rc.store.ClaimAttemptRetry(ctx, a.ID)
		if err != nil {
			log.Printf("[RetryCoordinator] Claim failed for attempt %s: %v", a.ID, err)
			continue
		}
		if !ok {
			// Another sweeper got it, or the attempt left failed state.
			continue
		}
		claimed = append(claimed, a)
	}
	if len(claimed) == 0 {
		return
	}

	atomic.AddInt64(&rc.reclaimed, int64(len(claimed)))
	log.Printf("[RetryCoordinator] Retrying %d attempts for campaign %s", len(claimed), campaignID)
	rc.batcher.DispatchAttempts(ctx, c, d, claimed, fields, false)
}

func (rc *RetryCoordinator) recipientFields(ctx context.Context, listID string) (map[string]domain.Recipient, error) {
	recs, err := rc.lists.ValidRecipients(ctx, listID)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]domain.Recipient, len(recs))
	for _, r := range recs {
		byEmail[r.Email] = r
	}
	return byEmail, nil
}

// Stats reports sweep counters for the health endpoint.
func (rc *RetryCoordinator) Stats() map[string]interface{} {
	rc.mu.RLock()
	running := rc.running
	rc.mu.RUnlock()
	return map[string]interface{}{
		"running":   running,
		"sweeps":    atomic.LoadInt64(&rc.sweeps),
		"reclaimed": atomic.LoadInt64(&rc.reclaimed),
	}
}
