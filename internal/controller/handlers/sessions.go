package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"forecastplane/internal/batch"
	"forecastplane/internal/controller/middleware"
	"forecastplane/internal/logger"
	"forecastplane/internal/store"
	"forecastplane/pkg/api"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListSessions handles GET /sessions?limit=&before=.
// Users see their own sessions; operators see all.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter := store.SessionFilter{OwnerID: p.OwnerScope(), Limit: defaultListLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxListLimit {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.httpError(w, "Invalid before cursor", http.StatusBadRequest)
			return
		}
		filter.Before = &before
	}

	sessions, err := h.batches.ListSessions(ctx, filter)
	if err != nil {
		logger.FromContext(ctx, h.log).Error("failed to list sessions", "error", err)
		h.httpError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	resp := api.ListSessionsResponse{Sessions: make([]api.SessionSummary, 0, len(sessions))}
	for i := range sessions {
		resp.Sessions = append(resp.Sessions, toSummary(&sessions[i]))
	}
	if len(sessions) == filter.Limit {
		resp.NextBefore = sessions[len(sessions)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetSession handles GET /sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, p, ok := h.sessionRequest(w, r)
	if !ok {
		return
	}

	session, err := h.batches.GetStatus(ctx, id, p.OwnerScope())
	if errors.Is(err, batch.ErrNotFound) {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(ctx, h.log).Error("failed to get session", logger.Session(id), "error", err)
		h.httpError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, toSummary(session))
}

// ListResults handles GET /sessions/{id}/results.
func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, p, ok := h.sessionRequest(w, r)
	if !ok {
		return
	}

	results, err := h.batches.ListResults(ctx, id, p.OwnerScope())
	if errors.Is(err, batch.ErrNotFound) {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(ctx, h.log).Error("failed to list results", logger.Session(id), "error", err)
		h.httpError(w, "Failed to list results", http.StatusInternalServerError)
		return
	}

	resp := api.ListResultsResponse{SessionID: id.String(), Results: make([]api.ResultResponse, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, api.ResultResponse{
			ID:          res.ID.String(),
			MarketID:    res.MarketID,
			ModelName:   res.ModelName,
			Prediction:  res.Payload,
			RawResponse: res.RawResponse,
			CreatedAt:   res.CreatedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

func (h *Handlers) sessionRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, middleware.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, p, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid session id", http.StatusBadRequest)
		return uuid.Nil, p, false
	}
	return id, p, true
}

func toSummary(s *store.Session) api.SessionSummary {
	return api.SessionSummary{
		ID:        s.ID.String(),
		Status:    string(s.Status),
		ModelName: s.ModelName,
		Progress: api.SessionProgress{
			Targets:   len(s.TargetMarketIDs),
			Completed: len(s.CompletedMarketIDs),
			Failed:    len(s.FailedMarkets),
			Remaining: len(s.Unprocessed()),
		},
		FailedMarkets:    s.FailedMarkets,
		RecoveryAttempts: s.RecoveryAttempts,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		CompletedAt:      s.CompletedAt,
	}
}
