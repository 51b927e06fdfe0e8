// Package sending manages sending domains: the tenant-owned identities
// campaigns deliver through. Verification is pluggable so deployments can
// wire a real DNS check without touching the pipeline.
package sending

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/embermail/internal/domain"
)

// Sentinel errors for the sending service layer.
var (
	ErrNotFound        = errors.New("sending domain not found")
	ErrDomainTaken     = errors.New("domain already registered")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Repository defines the data access contract for sending domains.
type Repository interface {
	Get(ctx context.Context, ownerID, id string) (*domain.SendingDomain, error)
	List(ctx context.Context, ownerID string) ([]domain.SendingDomain, error)
	Create(ctx context.Context, d *domain.SendingDomain) (string, error)
	Update(ctx context.Context, d *domain.SendingDomain) error
	Delete(ctx context.Context, ownerID, id string) error
	SetVerified(ctx context.Context, ownerID, id string, verified bool) error
}

// Checker decides whether a domain's ownership proof holds. The default
// implementation trusts the operator and returns true; production wires a
// DNS lookup here.
type Checker func(ctx context.Context, d *domain.SendingDomain) (bool, error)

// Service implements sending-domain management.
type Service struct {
	repo  Repository
	check Checker
}

// NewService creates a sending-domain service. A nil checker accepts every
// verification request.
func NewService(repo Repository, check Checker) *Service {
	if check == nil {
		check = func(context.Context, *domain.SendingDomain) (bool, error) { return true, nil }
	}
	return &Service{repo: repo, check: check}
}

// Get returns a single sending domain.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.SendingDomain, error) {
	return s.repo.Get(ctx, ownerID, id)
}

// List returns the owner's sending domains.
func (s *Service) List(ctx context.Context, ownerID string) ([]domain.SendingDomain, error) {
	return s.repo.List(ctx, ownerID)
}

// Create registers a new sending domain. Domains start unverified with a
// neutral reputation.
func (s *Service) Create(ctx context.Context, ownerID string, input CreateInput) (*domain.SendingDomain, error) {
	if input.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	switch domain.ProviderType(input.Provider) {
	case domain.ProviderSMTP, domain.ProviderSES, domain.ProviderSparkPost:
	default:
		return nil, ErrUnknownProvider
	}

	d := &domain.SendingDomain{
		ID:                 uuid.New().String(),
		OwnerID:            ownerID,
		Domain:             input.Domain,
		Provider:           domain.ProviderType(input.Provider),
		DefaultFromAddress: input.DefaultFromAddress,
		SMTPHost:           input.SMTPHost,
		SMTPPort:           input.SMTPPort,
		SMTPUsername:       input.SMTPUsername,
		SMTPPassword:       input.SMTPPassword,
		DailyLimit:         input.DailyLimit,
		EnableWarmup:       input.EnableWarmup,
		Reputation:         50,
	}
	id, err := s.repo.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	d.ID = id
	log.Printf("[sending.Service] Registered domain %s (provider %s)", d.Domain, d.Provider)
	return d, nil
}

// Update replaces the domain's mutable transport settings. Changing
// transport fields invalidates verification: the owner re-verifies before
// the next send.
func (s *Service) Update(ctx context.Context, ownerID, id string, input CreateInput) (*domain.SendingDomain, error) {
	d, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	credsChanged := input.SMTPHost != d.SMTPHost || input.SMTPPort != d.SMTPPort ||
		input.SMTPUsername != d.SMTPUsername || (input.SMTPPassword != "" && input.SMTPPassword != d.SMTPPassword)

	d.DefaultFromAddress = input.DefaultFromAddress
	d.SMTPHost = input.SMTPHost
	d.SMTPPort = input.SMTPPort
	d.SMTPUsername = input.SMTPUsername
	if input.SMTPPassword != "" {
		d.SMTPPassword = input.SMTPPassword
	}
	d.DailyLimit = input.DailyLimit
	d.EnableWarmup = input.EnableWarmup
	if input.Provider != "" {
		d.Provider = domain.ProviderType(input.Provider)
	}
	if credsChanged {
		d.Verified = false
	}
	d.UpdatedAt = time.Now()

	if err := s.repo.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Delete removes a sending domain.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	return s.repo.Delete(ctx, ownerID, id)
}

// Verify runs the ownership check and persists the outcome.
func (s *Service) Verify(ctx context.Context, ownerID, id string) (bool, error) {
	d, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return false, err
	}
	ok, err := s.check(ctx, d)
	if err != nil {
		return false, fmt.Errorf("verify domain %s: %w", d.Domain, err)
	}
	if err := s.repo.SetVerified(ctx, ownerID, id, ok); err != nil {
		return false, err
	}
	log.Printf("[sending.Service] Domain %s verification: %t", d.Domain, ok)
	return ok, nil
}

// CreateInput holds the fields for registering or updating a sending domain.
type CreateInput struct {
	Domain             string `json:"domain"`
	Provider           string `json:"provider"`
	DefaultFromAddress string `json:"default_from_address"`
	SMTPHost           string `json:"smtp_host"`
	SMTPPort           int    `json:"smtp_port"`
	SMTPUsername       string `json:"smtp_username"`
	SMTPPassword       string `json:"smtp_password"`
	DailyLimit         int    `json:"daily_limit"`
	EnableWarmup       bool   `json:"enable_warmup"`
}
