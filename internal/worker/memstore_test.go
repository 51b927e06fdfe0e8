package worker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/embermail/embermail/internal/domain"
)

// memStore is an in-memory Store used by the pipeline tests. It mirrors
// the conditional-update semantics of the SQL implementation: claims and
// completions are compare-and-swap, attempt upserts are keyed on
// (campaign, recipient).
type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]*domain.Campaign
	domains    map[string]*domain.SendingDomain
	attempts   map[string]*domain.DeliveryAttempt
	attemptKey map[string]string // campaignID|recipient -> attempt ID
	jobs       map[string]*domain.BulkJob
	volume     map[string]int // domainID -> trailing-window sent volume
	seq        int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  make(map[string]*domain.Campaign),
		domains:    make(map[string]*domain.SendingDomain),
		attempts:   make(map[string]*domain.DeliveryAttempt),
		attemptKey: make(map[string]string),
		jobs:       make(map[string]*domain.BulkJob),
		volume:     make(map[string]int),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) addCampaign(c domain.Campaign) *domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = m.nextID("camp")
	}
	cp := c
	m.campaigns[cp.ID] = &cp
	return &cp
}

func (m *memStore) addDomain(d domain.SendingDomain) *domain.SendingDomain {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = m.nextID("dom")
	}
	cp := d
	m.domains[cp.ID] = &cp
	return &cp
}

func (m *memStore) campaign(id string) domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *memStore) sendingDomain(id string) domain.SendingDomain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.domains[id]
}

func (m *memStore) job(campaignID string) domain.BulkJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[campaignID]
}

func (m *memStore) attemptFor(campaignID, recipient string) *domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.attemptKey[campaignID+"|"+recipient]
	if !ok {
		return nil
	}
	cp := *m.attempts[id]
	return &cp
}

func (m *memStore) campaignAttempts(campaignID string) []domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range m.attempts {
		if a.CampaignID == campaignID {
			out = append(out, *a)
		}
	}
	return out
}

// ageAttempt backdates an attempt's updated_at so backoff windows elapse
// without sleeping in tests.
func (m *memStore) ageAttempt(campaignID, recipient string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.attemptKey[campaignID+"|"+recipient]
	m.attempts[id].UpdatedAt = time.Now().Add(-age)
}

func (m *memStore) ImmediateCampaigns(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if (c.Status == domain.CampaignDraft || c.Status == domain.CampaignReady) && c.Claimable(now) {
			out = append(out, *c)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) DueScheduledCampaigns(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignScheduled && c.Claimable(now) {
			out = append(out, *c)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ClaimCampaign(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || !c.Claimable(now) {
		return false, nil
	}
	c.Status = domain.CampaignSending
	t := now
	c.SentAt = &t
	c.UpdatedAt = now
	return true, nil
}

func (m *memStore) FailCampaign(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.IsTerminal() {
		return nil
	}
	c.Status = domain.CampaignFailed
	c.FailureReason = reason
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) CompleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != domain.CampaignSending {
		return nil
	}
	c.Status = domain.CampaignSent
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) StalledCampaigns(_ context.Context, cutoff time.Time) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignSending && c.SentAt != nil && c.SentAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetSendingDomain(_ context.Context, id string) (*domain.SendingDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrDomainNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) SentVolumeSince(_ context.Context, domainID string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume[domainID], nil
}

func (m *memStore) AdjustReputation(_ context.Context, domainID string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok {
		return fmt.Errorf("sending domain %s not found", domainID)
	}
	d.Reputation = math.Max(0, math.Min(100, d.Reputation+delta))
	return nil
}

func (m *memStore) UpsertPendingAttempt(_ context.Context, campaignID, recipient string) (*domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := campaignID + "|" + recipient
	if id, ok := m.attemptKey[key]; ok {
		a := m.attempts[id]
		a.Status = domain.AttemptPending
		a.RetryCount = 0
		a.FailureReason = ""
		a.MessageID = ""
		a.SentAt = nil
		a.UpdatedAt = time.Now()
		cp := *a
		return &cp, nil
	}
	a := &domain.DeliveryAttempt{
		ID:         m.nextID("att"),
		CampaignID: campaignID,
		Recipient:  recipient,
		Status:     domain.AttemptPending,
		UpdatedAt:  time.Now(),
	}
	m.attempts[a.ID] = a
	m.attemptKey[key] = a.ID
	cp := *a
	return &cp, nil
}

func (m *memStore) MarkAttemptSent(_ context.Context, attemptID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	a.Status = domain.AttemptSent
	a.MessageID = messageID
	now := time.Now()
	a.SentAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *memStore) MarkAttemptFailed(_ context.Context, attemptID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	a.Status = domain.AttemptFailed
	a.FailureReason = reason
	a.RetryCount++
	a.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ClaimAttemptRetry(_ context.Context, attemptID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok || a.Status != domain.AttemptFailed {
		return false, nil
	}
	a.Status = domain.AttemptRetrying
	a.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) NonTerminalAttempts(_ context.Context, campaignID string) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range m.attempts {
		if a.CampaignID == campaignID && !a.Status.IsTerminal() {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) RetryableAttempts(_ context.Context, maxRetries int, baseDelay time.Duration, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range m.attempts {
		if a.Status != domain.AttemptFailed || a.RetryCount >= maxRetries {
			continue
		}
		backoff := baseDelay * time.Duration(1<<uint(a.RetryCount))
		if a.UpdatedAt.Before(now.Add(-backoff)) {
			out = append(out, *a)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ReleaseStaleRetrying(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released int64
	for _, a := range m.attempts {
		if a.Status == domain.AttemptRetrying && a.UpdatedAt.Before(cutoff) {
			a.Status = domain.AttemptFailed
			a.UpdatedAt = time.Now()
			released++
		}
	}
	return released, nil
}

func (m *memStore) EnsureBulkJob(_ context.Context, campaignID string, total int, now time.Time) (*domain.BulkJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[campaignID]; ok {
		j.Status = domain.JobProcessing
		j.TotalEmails = total
		j.ProcessedEmails = 0
		j.SuccessCount = 0
		j.FailureCount = 0
		t := now
		j.StartedAt = &t
		j.CompletedAt = nil
		cp := *j
		return &cp, nil
	}
	t := now
	j := &domain.BulkJob{
		ID:          m.nextID("job"),
		CampaignID:  campaignID,
		Status:      domain.JobProcessing,
		TotalEmails: total,
		StartedAt:   &t,
	}
	m.jobs[campaignID] = j
	cp := *j
	return &cp, nil
}

func (m *memStore) IncrementJobProgress(_ context.Context, campaignID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[campaignID]
	if !ok {
		return fmt.Errorf("job for campaign %s not found", campaignID)
	}
	j.ProcessedEmails++
	if success {
		j.SuccessCount++
	} else {
		j.FailureCount++
	}
	return nil
}

func (m *memStore) AdjustJobCounters(_ context.Context, campaignID string, successDelta, failureDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[campaignID]
	if !ok {
		return fmt.Errorf("job for campaign %s not found", campaignID)
	}
	j.SuccessCount += successDelta
	j.FailureCount += failureDelta
	return nil
}

func (m *memStore) TryCompleteJob(_ context.Context, campaignID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[campaignID]
	if !ok {
		return false, nil
	}
	if j.Status != domain.JobProcessing || j.ProcessedEmails < j.TotalEmails {
		return false, nil
	}
	j.Status = domain.JobCompleted
	t := now
	j.CompletedAt = &t
	return true, nil
}

func (m *memStore) GetBulkJob(_ context.Context, campaignID string) (*domain.BulkJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[campaignID]
	if !ok {
		return nil, fmt.Errorf("job for campaign %s not found", campaignID)
	}
	cp := *j
	return &cp, nil
}

// memLists is an in-memory RecipientSource.
type memLists struct {
	mu    sync.Mutex
	lists map[string][]domain.Recipient
}

func newMemLists() *memLists {
	return &memLists{lists: make(map[string][]domain.Recipient)}
}

func (l *memLists) setList(listID string, recs ...domain.Recipient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists[listID] = recs
}

func (l *memLists) ValidRecipients(_ context.Context, listID string) ([]domain.Recipient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Recipient(nil), l.lists[listID]...), nil
}
