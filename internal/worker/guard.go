package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/provider"
)

// ValidationError means the sending domain cannot dispatch this campaign
// in its current configuration (unverified, warmup ceiling reached). It
// is fatal for the cycle: the campaign goes to failed and stays there
// until the user corrects the domain and resubmits.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("domain validation: %s", e.Reason)
}

// Verifier is the pluggable domain ownership check. The default consults
// the stored verified flag; deployments wire a DNS-backed check here.
type Verifier func(ctx context.Context, d *domain.SendingDomain) bool

// ThroughputGuard validates a sending domain's configuration and enforces
// warmup/daily-volume ceilings before any dispatch. It never mutates
// campaign or attempt state.
type ThroughputGuard struct {
	store        Store
	registry     *provider.Registry
	creds        HostedCredentials
	verify       Verifier
	warmupWindow time.Duration
}

// NewThroughputGuard creates a guard over the given store and registry.
func NewThroughputGuard(store Store, registry *provider.Registry, creds HostedCredentials, warmupWindowDays int) *ThroughputGuard {
	if warmupWindowDays <= 0 {
		warmupWindowDays = 30
	}
	return &ThroughputGuard{
		store:        store,
		registry:     registry,
		creds:        creds,
		warmupWindow: time.Duration(warmupWindowDays) * 24 * time.Hour,
	}
}

// SetVerifier installs a custom domain ownership check.
func (g *ThroughputGuard) SetVerifier(v Verifier) { g.verify = v }

// ValidateForDispatch checks the campaign's sending domain and returns it
// on success. A ValidationError means the campaign must fail with zero
// attempts created; any other error is transient and the caller retries
// on a later cycle.
func (g *ThroughputGuard) ValidateForDispatch(ctx context.Context, c *domain.Campaign) (*domain.SendingDomain, error) {
	d, err := g.store.GetSendingDomain(ctx, c.SendingDomainID)
	if errors.Is(err, domain.ErrDomainNotFound) {
		return nil, &ValidationError{Reason: fmt.Sprintf("sending domain %s not found", c.SendingDomainID)}
	}
	if err != nil {
		// Lookup failed for infrastructure reasons. Defer, don't fail.
		return nil, fmt.Errorf("load sending domain %s: %w", c.SendingDomainID, err)
	}

	switch d.Provider {
	case domain.ProviderSMTP:
		if !g.verified(ctx, d) {
			return nil, &ValidationError{Reason: fmt.Sprintf("domain %s is not verified", d.Domain)}
		}
		if !d.HasSMTPCredentials() {
			return nil, &ValidationError{Reason: fmt.Sprintf("domain %s has incomplete SMTP credentials", d.Domain)}
		}
		if d.DefaultFromAddress == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("domain %s has no sender address configured", d.Domain)}
		}
	case domain.ProviderSES, domain.ProviderSparkPost:
		// Hosted providers use process-wide credentials and skip the
		// ownership verification check.
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported provider %q", d.Provider)}
	}

	cfg := ResolveProviderConfig(d, g.creds)
	ok, err := g.registry.Validate(ctx, cfg)
	if err != nil {
		return nil, err // ConfigurationError from construction, or transport error
	}
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("provider %s failed validation for domain %s", d.Provider, d.Domain)}
	}

	if d.EnableWarmup {
		if err := g.checkWarmupCeiling(ctx, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (g *ThroughputGuard) verified(ctx context.Context, d *domain.SendingDomain) bool {
	if g.verify != nil {
		return g.verify(ctx, d)
	}
	return d.Verified
}

// checkWarmupCeiling rejects dispatch when the trailing-window sent
// volume has already reached the domain's daily limit.
func (g *ThroughputGuard) checkWarmupCeiling(ctx context.Context, d *domain.SendingDomain) error {
	since := time.Now().Add(-g.warmupWindow)
	volume, err := g.store.SentVolumeSince(ctx, d.ID, since)
	if err != nil {
		return fmt.Errorf("warmup volume for domain %s: %w", d.Domain, err)
	}
	if d.DailyLimit > 0 && volume >= d.DailyLimit {
		return &ValidationError{
			Reason: fmt.Sprintf("domain %s warmup ceiling reached (%d/%d in trailing window)", d.Domain, volume, d.DailyLimit),
		}
	}
	return nil
}

// ResolveProviderConfig merges a sending domain's transport settings with
// the process-wide hosted credentials into a registry configuration.
func ResolveProviderConfig(d *domain.SendingDomain, creds HostedCredentials) provider.Config {
	cfg := provider.Config{Provider: d.Provider}
	switch d.Provider {
	case domain.ProviderSMTP:
		cfg.Host = d.SMTPHost
		cfg.Port = d.SMTPPort
		cfg.Username = d.SMTPUsername
		cfg.Password = d.SMTPPassword
	case domain.ProviderSES:
		cfg.APIKey = creds.SESAccessKey
		cfg.APISecret = creds.SESSecretKey
		cfg.Region = creds.SESRegion
		cfg.DefaultSender = creds.SESDefaultSender
	case domain.ProviderSparkPost:
		cfg.APIKey = creds.SparkPostAPIKey
		cfg.BaseURL = creds.SparkPostBaseURL
		cfg.DefaultSender = creds.SparkPostDefSender
		cfg.Timeout = creds.SparkPostTimeout
	}
	return cfg
}

// ResolveFromAddress applies the fixed sender precedence: the domain's
// explicit sender, else the provider-level default, else an address
// synthesized from the domain name.
func ResolveFromAddress(d *domain.SendingDomain, cfg provider.Config) string {
	if d.DefaultFromAddress != "" {
		return d.DefaultFromAddress
	}
	if cfg.DefaultSender != "" {
		return cfg.DefaultSender
	}
	return "no-reply@" + d.Domain
}
