// Package ai adapts model vendors to a single prediction call.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Provider sends a prompt to a model and returns the raw text response.
type Provider interface {
	Predict(ctx context.Context, model, prompt string) (string, error)
}

// TransientError marks a provider failure worth retrying: a timeout,
// a 5xx or a rate limit.
type TransientError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transientStatus reports whether an HTTP status should be retried.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// classify wraps err as a TransientError when the status or cause warrants it.
func classify(provider string, code int, err error) error {
	if transientStatus(code) || (code == 0 && IsTransient(err)) {
		return &TransientError{Provider: provider, StatusCode: code, Err: err}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
