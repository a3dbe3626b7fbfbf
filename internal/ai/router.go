package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Router dispatches a Predict call to a vendor by model-name prefix.
type Router struct {
	routes   map[string]Provider
	fallback Provider
}

// NewRouter returns a router that sends unmatched models to fallback.
func NewRouter(fallback Provider) *Router {
	return &Router{routes: make(map[string]Provider), fallback: fallback}
}

// Handle routes models starting with prefix to p.
func (r *Router) Handle(prefix string, p Provider) {
	r.routes[prefix] = p
}

func (r *Router) Predict(ctx context.Context, model, prompt string) (string, error) {
	p := r.lookup(model)
	if p == nil {
		return "", fmt.Errorf("no provider configured for model %q", model)
	}
	return p.Predict(ctx, model, prompt)
}

// lookup picks the longest matching prefix.
func (r *Router) lookup(model string) Provider {
	prefixes := make([]string, 0, len(r.routes))
	for prefix := range r.routes {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return r.routes[prefix]
		}
	}
	return r.fallback
}
