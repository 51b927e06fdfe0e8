package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/embermail/embermail/internal/domain"
)

// Config is the fully-resolved transport configuration for one sending
// domain: the domain's own fields merged with process-wide hosted-provider
// credentials.
type Config struct {
	Provider domain.ProviderType

	// Custom SMTP
	Host     string
	Port     int
	Username string
	Password string

	// Hosted providers (resolved from process configuration)
	APIKey    string
	APISecret string
	Region    string
	BaseURL   string
	Timeout   time.Duration

	// DefaultSender is the provider-level default from address, used when
	// the sending domain has no explicit sender configured.
	DefaultSender string
}

// signature returns a canonical cache key for this configuration.
// Two domains with identical transport settings share one adapter.
func (c Config) signature() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		c.Provider, c.Host, c.Port, c.Username, c.Password,
		c.APIKey, c.APISecret, c.Region, c.BaseURL, c.Timeout)
	return hex.EncodeToString(h.Sum(nil))[:24]
}

type validationEntry struct {
	ok        bool
	checkedAt time.Time
}

// Registry builds and caches provider adapters keyed by configuration
// signature, and briefly caches validation results so the monitor loop
// does not re-dial a transport on every poll cycle.
type Registry struct {
	mu          sync.Mutex
	senders     map[string]Sender
	validations map[string]validationEntry
	cacheTTL    time.Duration
	now         func() time.Time
}

// NewRegistry creates a registry with the given validation cache TTL.
func NewRegistry(validationTTL time.Duration) *Registry {
	if validationTTL <= 0 {
		validationTTL = 5 * time.Minute
	}
	return &Registry{
		senders:     make(map[string]Sender),
		validations: make(map[string]validationEntry),
		cacheTTL:    validationTTL,
		now:         time.Now,
	}
}

// Resolve returns the adapter for the given configuration, constructing
// and caching it on first use. An unknown provider tag or incomplete
// credentials fail here with a ConfigurationError, not at send time.
func (r *Registry) Resolve(cfg Config) (Sender, error) {
	sig := cfg.signature()

	r.mu.Lock()
	if s, ok := r.senders[sig]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, err := build(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.senders[sig]; ok {
		return cached, nil
	}
	r.senders[sig] = s
	return s, nil
}

// Validate resolves the adapter and validates it, serving cached results
// within the TTL. Construction errors are never cached.
func (r *Registry) Validate(ctx context.Context, cfg Config) (bool, error) {
	sig := cfg.signature()

	r.mu.Lock()
	if entry, ok := r.validations[sig]; ok && r.now().Sub(entry.checkedAt) < r.cacheTTL {
		r.mu.Unlock()
		return entry.ok, nil
	}
	r.mu.Unlock()

	s, err := r.Resolve(cfg)
	if err != nil {
		return false, err
	}

	ok, err := s.Validate(ctx)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.validations[sig] = validationEntry{ok: ok, checkedAt: r.now()}
	r.mu.Unlock()
	return ok, nil
}

// build maps the closed set of provider tags to constructors.
func build(cfg Config) (Sender, error) {
	switch cfg.Provider {
	case domain.ProviderSMTP:
		if cfg.Host == "" || cfg.Port <= 0 {
			return nil, &ConfigurationError{Provider: string(cfg.Provider), Reason: "missing SMTP host or port"}
		}
		if cfg.Username == "" || cfg.Password == "" {
			return nil, &ConfigurationError{Provider: string(cfg.Provider), Reason: "missing SMTP credentials"}
		}
		return NewSMTPSender(cfg.Host, cfg.Port, cfg.Username, cfg.Password), nil
	case domain.ProviderSES:
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, &ConfigurationError{Provider: string(cfg.Provider), Reason: "missing SES credentials"}
		}
		return NewSESSender(cfg.APIKey, cfg.APISecret, cfg.Region), nil
	case domain.ProviderSparkPost:
		if cfg.APIKey == "" {
			return nil, &ConfigurationError{Provider: string(cfg.Provider), Reason: "missing SparkPost API key"}
		}
		return NewSparkPostSender(cfg.APIKey, cfg.BaseURL, cfg.Timeout), nil
	default:
		return nil, &ConfigurationError{Provider: string(cfg.Provider), Reason: "unsupported provider"}
	}
}
