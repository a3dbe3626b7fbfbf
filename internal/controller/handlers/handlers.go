// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"forecastplane/internal/batch"
	"forecastplane/internal/store"
	"forecastplane/pkg/api"

	"github.com/google/uuid"
)

// BatchService starts batches and answers status queries.
type BatchService interface {
	Trigger(ctx context.Context, req batch.TriggerRequest) (*store.Session, error)
	GetStatus(ctx context.Context, id uuid.UUID, ownerID *string) (*store.Session, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]store.Session, error)
	ListResults(ctx context.Context, id uuid.UUID, ownerID *string) ([]store.PredictionResult, error)
}

// RecoveryKicker schedules a recovery and cleanup pass.
type RecoveryKicker interface {
	Kick()
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	batches  BatchService
	recovery RecoveryKicker
	db       Pinger
	log      *slog.Logger
}

// New creates a new Handlers instance.
func New(batches BatchService, recovery RecoveryKicker, db Pinger, log *slog.Logger) *Handlers {
	return &Handlers{batches: batches, recovery: recovery, db: db, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
