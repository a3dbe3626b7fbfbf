package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited caps the request rate to the wrapped provider across all batches
// running in the process.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with a burst of the same size.
// A non-positive rps disables limiting.
func NewRateLimited(next Provider, rps float64) *RateLimited {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Predict(ctx context.Context, model, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return r.next.Predict(ctx, model, prompt)
}
