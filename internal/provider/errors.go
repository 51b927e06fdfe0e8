package provider

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ConfigurationError means the provider cannot be constructed from the
// given configuration (unknown tag, missing credentials). It is fatal for
// the campaign: no retry will fix it without user correction.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q configuration: %s", e.Provider, e.Reason)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ErrCooling is returned while an SMTP adapter is in its cooling-off
// window after repeated connection failures. Sends fail fast instead of
// hammering a dead server.
var ErrCooling = errors.New("smtp transport cooling off after repeated connection failures")

// IsConnectionError classifies an error as connection-class (timeout,
// refused, reset, dropped). These are worth an immediate in-line retry;
// everything else is a provider rejection handled by the attempt-level
// retry coordinator.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "no such host"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
