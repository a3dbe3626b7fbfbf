package middleware

import (
	"net/http"
	"strings"

	"forecastplane/internal/auth"
)

// RequireInternalAuth middleware ensures the request carries the shared cron
// secret as a bearer token. An empty secret rejects every request.
func RequireInternalAuth(systemSecret string) func(http.Handler) http.Handler {
	secret := auth.NewSecret(systemSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				if r.Header.Get("Authorization") == "" {
					http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				} else {
					http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				}
				return
			}

			if !secret.Matches(token) {
				http.Error(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
