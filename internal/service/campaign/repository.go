package campaign

import (
	"context"
	"time"

	"github.com/embermail/embermail/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, ownerID, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, ownerID string, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// Update modifies a campaign. Only non-nil fields in the update are applied.
	Update(ctx context.Context, ownerID, id string, u UpdateFields) error

	// Delete removes a campaign. Campaigns in sending state are refused
	// with ErrDeleteSending.
	Delete(ctx context.Context, ownerID, id string) error

	// UpdateStatus transitions a campaign's status only from the given set
	// of current states. Returns ErrInvalidTransition when the campaign is
	// in none of them.
	UpdateStatus(ctx context.Context, ownerID, id string, status domain.CampaignStatus, from ...domain.CampaignStatus) error

	// Schedule stamps scheduled_at and moves the campaign to scheduled.
	Schedule(ctx context.Context, ownerID, id string, at time.Time) error

	// Stats returns the aggregated delivery view built from the campaign's
	// bulk job and attempt rows.
	Stats(ctx context.Context, ownerID, id string) (*domain.CampaignStats, error)

	// ResetFailedAttempts makes the campaign's failed and bounced attempts
	// immediately eligible for the retry sweep. Returns how many rows were
	// reset.
	ResetFailedAttempts(ctx context.Context, ownerID, id string) (int64, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a campaign update.
// Nil fields are not applied.
type UpdateFields struct {
	Name            *string
	Subject         *string
	HTMLContent     *string
	PlainContent    *string
	ListID          *string
	SendingDomainID *string
}
