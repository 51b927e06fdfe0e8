package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/embermail/internal/domain"
)

// Service implements campaign business logic. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, ownerID, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, ownerID string, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, ownerID, f)
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, ownerID string, input CreateInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if input.ListID == "" {
		return nil, ErrMissingList
	}
	if input.SendingDomainID == "" {
		return nil, ErrMissingDomain
	}

	c := &domain.Campaign{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		ListID:          input.ListID,
		SendingDomainID: input.SendingDomainID,
		Name:            input.Name,
		Subject:         input.Subject,
		HTMLContent:     input.HTMLContent,
		PlainContent:    input.PlainContent,
		Status:          domain.CampaignDraft,
	}

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

// Update modifies mutable campaign fields. Edits are only meaningful for
// campaigns the monitor has not claimed yet; the repository enforces that
// by refusing updates past the draft/ready/scheduled states.
func (s *Service) Update(ctx context.Context, ownerID, id string, u UpdateFields) error {
	return s.repo.Update(ctx, ownerID, id, u)
}

// Delete removes a campaign. A campaign mid-send is refused: its attempt
// rows are live pipeline state.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	return s.repo.Delete(ctx, ownerID, id)
}

// Schedule marks a draft or ready campaign for delivery at a future time.
// The monitor's scheduled cadence claims it once the time arrives.
func (s *Service) Schedule(ctx context.Context, ownerID, id string, at time.Time) error {
	if at.Before(s.now()) {
		return ErrScheduleInPast
	}
	if err := s.repo.Schedule(ctx, ownerID, id, at); err != nil {
		return err
	}
	log.Printf("[campaign.Service] Campaign %s scheduled for %s", id, at.Format(time.RFC3339))
	return nil
}

// TriggerImmediately marks a campaign ready so the monitor's next
// immediate cycle picks it up. Dispatch happens asynchronously; the call
// returns as soon as the state change lands.
func (s *Service) TriggerImmediately(ctx context.Context, ownerID, id string) error {
	err := s.repo.UpdateStatus(ctx, ownerID, id, domain.CampaignReady,
		domain.CampaignDraft, domain.CampaignScheduled)
	if err != nil {
		return err
	}
	log.Printf("[campaign.Service] Campaign %s submitted for immediate delivery", id)
	return nil
}

// RetryFailed makes the campaign's failed and bounced attempts immediately
// eligible for the retry sweep, regardless of backoff and retry count.
func (s *Service) RetryFailed(ctx context.Context, ownerID, id string) (int64, error) {
	if _, err := s.repo.Get(ctx, ownerID, id); err != nil {
		return 0, err
	}
	n, err := s.repo.ResetFailedAttempts(ctx, ownerID, id)
	if err != nil {
		return 0, err
	}
	log.Printf("[campaign.Service] Campaign %s: %d failed attempts queued for retry", id, n)
	return n, nil
}

// Stats returns the aggregated delivery view. Per-recipient failure detail
// never leaves the service boundary; callers get counts and rates only.
func (s *Service) Stats(ctx context.Context, ownerID, id string) (*domain.CampaignStats, error) {
	return s.repo.Stats(ctx, ownerID, id)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name            string `json:"name"`
	Subject         string `json:"subject"`
	HTMLContent     string `json:"html_content"`
	PlainContent    string `json:"plain_content"`
	ListID          string `json:"list_id"`
	SendingDomainID string `json:"sending_domain_id"`
}
