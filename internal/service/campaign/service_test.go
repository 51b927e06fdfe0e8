package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/service/campaign"
)

// memRepo is an in-memory campaign repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign // keyed by id
	failed    map[string]int64            // campaignID -> resettable attempt count
}

func newMemRepo() *memRepo {
	return &memRepo{
		campaigns: make(map[string]*domain.Campaign),
		failed:    make(map[string]int64),
	}
}

func (m *memRepo) Get(_ context.Context, ownerID, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, ownerID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.OwnerID != ownerID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, *c)
	}
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

func (m *memRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		return "", fmt.Errorf("id required")
	}
	cp := *c
	m.campaigns[cp.ID] = &cp
	return cp.ID, nil
}

func (m *memRepo) Update(_ context.Context, ownerID, id string, u campaign.UpdateFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Subject != nil {
		c.Subject = *u.Subject
	}
	return nil
}

func (m *memRepo) Delete(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	if c.Status == domain.CampaignSending {
		return campaign.ErrDeleteSending
	}
	delete(m.campaigns, id)
	return nil
}

func (m *memRepo) UpdateStatus(_ context.Context, ownerID, id string, status domain.CampaignStatus, from ...domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	allowed := len(from) == 0
	for _, s := range from {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return campaign.ErrInvalidTransition
	}
	c.Status = status
	return nil
}

func (m *memRepo) Schedule(_ context.Context, ownerID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return campaign.ErrNotFound
	}
	if c.Status != domain.CampaignDraft && c.Status != domain.CampaignReady {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignScheduled
	c.ScheduledAt = &at
	return nil
}

func (m *memRepo) Stats(_ context.Context, ownerID, id string) (*domain.CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return nil, campaign.ErrNotFound
	}
	return &domain.CampaignStats{CampaignID: id, Status: string(c.Status)}, nil
}

func (m *memRepo) ResetFailedAttempts(_ context.Context, ownerID, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return 0, campaign.ErrNotFound
	}
	n := m.failed[id]
	m.failed[id] = 0
	return n, nil
}

const testOwner = "owner-1"

func validInput() campaign.CreateInput {
	return campaign.CreateInput{
		Name:            "Test",
		Subject:         "Hello",
		ListID:          "list-1",
		SendingDomainID: "dom-1",
	}
}

func TestCreate(t *testing.T) {
	svc := campaign.NewService(newMemRepo())
	c, err := svc.Create(context.Background(), testOwner, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.CampaignDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := campaign.NewService(newMemRepo())

	if _, err := svc.Create(context.Background(), testOwner, campaign.CreateInput{}); err == nil {
		t.Fatal("expected validation error")
	}

	in := validInput()
	in.ListID = ""
	if _, err := svc.Create(context.Background(), testOwner, in); !errors.Is(err, campaign.ErrMissingList) {
		t.Fatalf("expected ErrMissingList, got %v", err)
	}

	in = validInput()
	in.SendingDomainID = ""
	if _, err := svc.Create(context.Background(), testOwner, in); !errors.Is(err, campaign.ErrMissingDomain) {
		t.Fatalf("expected ErrMissingDomain, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := campaign.NewService(newMemRepo())
	_, err := svc.Get(context.Background(), testOwner, "nonexistent")
	if err != campaign.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTriggerImmediately(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)
	c, _ := svc.Create(context.Background(), testOwner, validInput())

	if err := svc.TriggerImmediately(context.Background(), testOwner, c.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	got, _ := svc.Get(context.Background(), testOwner, c.ID)
	if got.Status != domain.CampaignReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
}

func TestTriggerRejectsMidSend(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)
	c, _ := svc.Create(context.Background(), testOwner, validInput())
	repo.campaigns[c.ID].Status = domain.CampaignSending

	err := svc.TriggerImmediately(context.Background(), testOwner, c.ID)
	if !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSchedule(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)
	c, _ := svc.Create(context.Background(), testOwner, validInput())

	at := time.Now().Add(2 * time.Hour)
	if err := svc.Schedule(context.Background(), testOwner, c.ID, at); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	got, _ := svc.Get(context.Background(), testOwner, c.ID)
	if got.Status != domain.CampaignScheduled {
		t.Fatalf("expected scheduled, got %s", got.Status)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at not stamped: %v", got.ScheduledAt)
	}
}

func TestScheduleInPast(t *testing.T) {
	svc := campaign.NewService(newMemRepo())
	err := svc.Schedule(context.Background(), testOwner, "any", time.Now().Add(-time.Minute))
	if !errors.Is(err, campaign.ErrScheduleInPast) {
		t.Fatalf("expected ErrScheduleInPast, got %v", err)
	}
}

func TestDeleteRefusedWhileSending(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)
	c, _ := svc.Create(context.Background(), testOwner, validInput())
	repo.campaigns[c.ID].Status = domain.CampaignSending

	err := svc.Delete(context.Background(), testOwner, c.ID)
	if !errors.Is(err, campaign.ErrDeleteSending) {
		t.Fatalf("expected ErrDeleteSending, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)
	c, _ := svc.Create(context.Background(), testOwner, validInput())

	if err := svc.Delete(context.Background(), testOwner, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), testOwner, c.ID); err != campaign.ErrNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestRetryFailed(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)
	c, _ := svc.Create(context.Background(), testOwner, validInput())
	repo.failed[c.ID] = 4

	n, err := svc.RetryFailed(context.Background(), testOwner, c.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 reset, got %d", n)
	}
}

func TestListWithFilter(t *testing.T) {
	repo := newMemRepo()
	svc := campaign.NewService(repo)

	svc.Create(context.Background(), testOwner, validInput())
	svc.Create(context.Background(), testOwner, validInput())

	list, total, err := svc.List(context.Background(), testOwner, campaign.ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("expected 2 campaigns, got %d (total %d)", len(list), total)
	}
}
