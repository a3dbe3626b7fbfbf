// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"forecastplane/internal/controller/handlers"
	"forecastplane/internal/controller/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the controller HTTP server.
type Config struct {
	Addr            string
	CronSecret      string
	StatusRateLimit float64
	StatusRateBurst int
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(cfg Config, batches handlers.BatchService, recovery handlers.RecoveryKicker, db handlers.Pinger, log *slog.Logger) *Server {
	h := handlers.New(batches, recovery, db, log)
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(cfg, h),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// NewRouter wires the routes and their middleware.
func NewRouter(cfg Config, h *handlers.Handlers) http.Handler {
	internalAuth := middleware.RequireInternalAuth(cfg.CronSecret)
	identity := middleware.Identity(cfg.CronSecret)
	limiter := middleware.NewRateLimiter(cfg.StatusRateLimit, cfg.StatusRateBurst).Middleware()
	status := func(fn http.HandlerFunc) http.Handler {
		return identity(limiter(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Scheduler endpoints, authenticated with the shared cron secret.
	mux.Handle("POST /internal/predictions/trigger", internalAuth(http.HandlerFunc(h.TriggerPredictions)))
	mux.Handle("POST /internal/predictions/recover", internalAuth(http.HandlerFunc(h.RecoverSessions)))

	// User-scoped status endpoints.
	mux.Handle("GET /sessions", status(h.ListSessions))
	mux.Handle("GET /sessions/{id}", status(h.GetSession))
	mux.Handle("GET /sessions/{id}/results", status(h.ListResults))

	return middleware.RequestID(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
