package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forecastplane/internal/ai"

	"github.com/cenkalti/backoff/v4"
)

// AttemptState is the state of one market's provider call.
type AttemptState int

const (
	StatePending AttemptState = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s AttemptState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("AttemptState(%d)", int(s))
}

// RetryPolicy bounds a market's provider calls.
type RetryPolicy struct {
	CallTimeout time.Duration
	MaxRetries  int
	// NewBackOff returns the delay schedule between attempts. Nil uses an
	// exponential schedule starting at 500ms.
	NewBackOff func() backoff.BackOff
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// marketCall drives pending -> retrying(n) -> succeeded | failed for one market.
type marketCall struct {
	policy   RetryPolicy
	provider ai.Provider
	model    string
	prompt   string
	observe  func(d time.Duration, err error)

	state    AttemptState
	attempts int
	retries  int
	lastErr  error
}

// run performs the calls. It returns the raw response on success, the last
// provider error on terminal failure, and ctx.Err() if ctx ends first.
func (c *marketCall) run(ctx context.Context) (string, error) {
	schedule := c.policy.backOff()
	c.state = StatePending

	for {
		raw, err := c.attempt(ctx)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil {
			c.state = StateSucceeded
			return raw, nil
		}
		c.lastErr = err

		if !ai.IsTransient(err) || c.retries >= c.policy.MaxRetries {
			c.state = StateFailed
			return "", err
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			c.state = StateFailed
			return "", err
		}
		c.state = StateRetrying
		c.retries++

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (c *marketCall) attempt(ctx context.Context) (string, error) {
	callCtx := ctx
	if c.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()
	}

	c.attempts++
	start := time.Now()
	raw, err := c.provider.Predict(callCtx, c.model, c.prompt)
	if err == nil && callCtx.Err() != nil {
		// late answers count as timeouts
		err = callCtx.Err()
	}
	var te *ai.TransientError
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.As(err, &te) {
		err = &ai.TransientError{Provider: "call", Err: fmt.Errorf("timed out after %s: %w", c.policy.CallTimeout, err)}
	}
	if c.observe != nil {
		c.observe(time.Since(start), err)
	}
	return raw, err
}
