package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/pkg/distlock"
	"github.com/embermail/embermail/internal/provider"
)

const (
	immediateCycleInterval = 30 * time.Second
	scheduledCycleInterval = 60 * time.Second

	cyclePickupLimit = 25

	// campaignLockTTL must outlast the longest plausible dispatch pass so
	// a held lock means work in progress, not a leak.
	campaignLockTTL = 10 * time.Minute
)

// LockFactory builds a distributed lock for one key. Each campaign claim
// uses its own Lock instance, matching distlock's single-goroutine
// ownership rule.
type LockFactory func(key string, ttl time.Duration) distlock.Lock

// Monitor is the top-level scheduler. Two independent cadences poll for
// dispatchable campaigns, one for immediate sends and one for scheduled
// ones, and drive each eligible campaign through validation, claim, and
// dispatch. A distributed lock per campaign keeps multiple monitor
// instances from dispatching the same campaign twice.
type Monitor struct {
	store   Store
	guard   *ThroughputGuard
	batcher *Batcher
	newLock LockFactory

	running bool
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	immediateInterval time.Duration
	scheduledInterval time.Duration

	// Per-cadence re-entrancy guards: a cycle that outlives its tick is
	// skipped, never stacked.
	immediateBusy int32
	scheduledBusy int32

	cycles     int64
	dispatched int64
	failed     int64
}

// NewMonitor creates the campaign monitor. A nil lock factory disables
// distributed locking, which is only safe for single-instance deployments
// and tests.
func NewMonitor(store Store, guard *ThroughputGuard, batcher *Batcher, newLock LockFactory) *Monitor {
	return &Monitor{
		store:             store,
		guard:             guard,
		batcher:           batcher,
		newLock:           newLock,
		immediateInterval: immediateCycleInterval,
		scheduledInterval: scheduledCycleInterval,
	}
}

// SetIntervals overrides the polling cadences. Must be called before Start.
func (m *Monitor) SetIntervals(immediate, scheduled time.Duration) {
	if immediate > 0 {
		m.immediateInterval = immediate
	}
	if scheduled > 0 {
		m.scheduledInterval = scheduled
	}
}

// Start launches both polling cadences.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true

	m.wg.Add(2)
	go m.pollLoop(m.immediateInterval, &m.immediateBusy, m.immediateCycle)
	go m.pollLoop(m.scheduledInterval, &m.scheduledBusy, m.scheduledCycle)
	log.Printf("[Monitor] Started (immediate=%v, scheduled=%v)", m.immediateInterval, m.scheduledInterval)
}

// Stop halts polling and waits for in-flight cycles to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Printf("[Monitor] Stopped after %d cycles (%d dispatched, %d failed)",
		atomic.LoadInt64(&m.cycles), atomic.LoadInt64(&m.dispatched), atomic.LoadInt64(&m.failed))
}

func (m *Monitor) pollLoop(interval time.Duration, busy *int32, cycle func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(busy, 0, 1) {
				// Previous cycle still running: skip this tick.
				continue
			}
			atomic.AddInt64(&m.cycles, 1)
			cycle(m.ctx)
			atomic.StoreInt32(busy, 0)
		}
	}
}

func (m *Monitor) immediateCycle(ctx context.Context) {
	campaigns, err := m.store.ImmediateCampaigns(ctx, time.Now(), cyclePickupLimit)
	if err != nil {
		log.Printf("[Monitor] Immediate pickup failed: %v", err)
		return
	}
	m.processAll(ctx, campaigns)
}

func (m *Monitor) scheduledCycle(ctx context.Context) {
	campaigns, err := m.store.DueScheduledCampaigns(ctx, time.Now(), cyclePickupLimit)
	if err != nil {
		log.Printf("[Monitor] Scheduled pickup failed: %v", err)
		return
	}
	m.processAll(ctx, campaigns)
}

func (m *Monitor) processAll(ctx context.Context, campaigns []domain.Campaign) {
	for i := range campaigns {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.ProcessCampaign(ctx, &campaigns[i])
	}
}

// ProcessCampaign drives one campaign through lock, validate, claim, and
// dispatch. Exported so tests and operational tooling can push a single
// campaign through without waiting for a tick.
func (m *Monitor) ProcessCampaign(ctx context.Context, c *domain.Campaign) {
	if !c.Claimable(time.Now()) {
		return
	}

	if m.newLock != nil {
		lock := m.newLock("campaign:"+c.ID, campaignLockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Monitor] Lock error for campaign %s: %v", c.ID, err)
			return
		}
		if !acquired {
			// Another instance is working this campaign.
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				log.Printf("[Monitor] Lock release failed for campaign %s: %v", c.ID, err)
			}
		}()
	}

	d, err := m.guard.ValidateForDispatch(ctx, c)
	if err != nil {
		var verr *ValidationError
		var cerr *provider.ConfigurationError
		if errors.As(err, &verr) || errors.As(err, &cerr) {
			// Configuration problems fail the campaign with zero attempts
			// created; the user fixes the domain and resubmits.
			m.failCampaign(ctx, c, err.Error())
			return
		}
		// Transient infrastructure error: leave the campaign for the next
		// cycle.
		log.Printf("[Monitor] Validation deferred for campaign %s: %v", c.ID, err)
		return
	}

	claimed, err := m.store.ClaimCampaign(ctx, c.ID, time.Now())
	if err != nil {
		log.Printf("[Monitor] Claim error for campaign %s: %v", c.ID, err)
		return
	}
	if !claimed {
		return
	}

	log.Printf("[Monitor] Claimed campaign %s (%s) via domain %s", c.ID, c.Name, d.Domain)

	if err := m.batcher.Dispatch(ctx, c, d); err != nil {
		// Dispatch errors surface only before any attempt exists, so
		// failing the whole campaign cannot orphan recorded outcomes.
		m.failCampaign(ctx, c, err.Error())
		return
	}
	atomic.AddInt64(&m.dispatched, 1)
}

func (m *Monitor) failCampaign(ctx context.Context, c *domain.Campaign, reason string) {
	if err := m.store.FailCampaign(ctx, c.ID, reason); err != nil {
		log.Printf("[Monitor] Failed to mark campaign %s failed: %v", c.ID, err)
		return
	}
	atomic.AddInt64(&m.failed, 1)
	log.Printf("[Monitor] Campaign %s failed: %s", c.ID, reason)
}

// Stats reports scheduler counters for the health endpoint.
func (m *Monitor) Stats() map[string]interface{} {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	return map[string]interface{}{
		"running":    running,
		"cycles":     atomic.LoadInt64(&m.cycles),
		"dispatched": atomic.LoadInt64(&m.dispatched),
		"failed":     atomic.LoadInt64(&m.failed),
	}
}
