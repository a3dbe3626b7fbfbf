// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"forecastplane/internal/auth"
	"forecastplane/pkg/api"
)

// UserIDHeader carries the authenticated user id set by the upstream gateway.
const UserIDHeader = "X-User-ID"

type principalKey struct{}

// Principal is the caller of a status endpoint.
type Principal struct {
	UserID   string
	Operator bool
}

// OwnerScope returns the owner filter for the principal; operators see every session.
func (p Principal) OwnerScope() *string {
	if p.Operator {
		return nil
	}
	id := p.UserID
	return &id
}

// key identifies the principal for rate limiting.
func (p Principal) key() string {
	if p.Operator {
		return "operator"
	}
	return "user:" + p.UserID
}

// NewContextWithPrincipal returns a context carrying p.
func NewContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal set by Identity.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Identity resolves the caller: a bearer token matching the cron secret is an
// operator, otherwise the user id header is required.
func Identity(systemSecret string) func(http.Handler) http.Handler {
	secret := auth.NewSecret(systemSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if token, ok := bearerToken(r); ok {
				if !secret.Matches(token) {
					unauthorized(w)
					return
				}
				p.Operator = true
			} else {
				p.UserID = strings.TrimSpace(r.Header.Get(UserIDHeader))
				if p.UserID == "" {
					unauthorized(w)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: "Unauthorized",
		Code:  "401",
	})
}
