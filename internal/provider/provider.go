// Package provider implements the delivery transports for the pipeline.
//
// Adapters are split into individual files:
//   - smtp.go:      pooled custom-SMTP connection with health tracking
//   - ses.go:       AWS SES v2
//   - sparkpost.go: SparkPost Transmissions API
//
// The Registry resolves a sending domain's configuration into a cached
// adapter instance and briefly caches validation results.
package provider

import (
	"context"

	"github.com/embermail/embermail/internal/domain"
)

// Sender is the uniform send/validate contract every transport implements.
// Implementations must be safe for concurrent use.
type Sender interface {
	// Send delivers a single message and returns the provider message ID.
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)

	// SendBulk delivers several messages, returning one result per input
	// in order. A per-message failure is recorded in its result; the
	// remaining messages are still attempted.
	SendBulk(ctx context.Context, messages []*domain.EmailMessage) ([]domain.SendResult, error)

	// Validate checks that the transport is usable with its current
	// configuration without sending anything.
	Validate(ctx context.Context) (bool, error)

	// Name returns the provider tag ("smtp", "ses", "sparkpost").
	Name() string
}

// sendEach is the shared SendBulk implementation for transports without a
// native bulk call: dispatch sequentially, collect all results, never
// fail fast on a single message.
func sendEach(ctx context.Context, s Sender, messages []*domain.EmailMessage) ([]domain.SendResult, error) {
	results := make([]domain.SendResult, len(messages))
	for i, msg := range messages {
		res, err := s.Send(ctx, msg)
		if err != nil {
			results[i] = domain.SendResult{Success: false, Provider: s.Name(), Error: err}
			continue
		}
		results[i] = *res
	}
	return results, nil
}
