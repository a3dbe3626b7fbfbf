package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"forecastplane/internal/batch"
	"forecastplane/internal/logger"
	"forecastplane/internal/selector"
	"forecastplane/pkg/api"
)

// TriggerPredictions handles POST /internal/predictions/trigger.
// Selection and session creation happen before the response; dispatch
// happens on a worker.
func (h *Handlers) TriggerPredictions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx, h.log)

	var req api.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c := batch.DefaultConstraints()
	if req.TopMarketsCount != nil {
		c.TopCount = *req.TopMarketsCount
	}
	if req.EndDateRangeHours != nil {
		c.EndDateRangeHours = *req.EndDateRangeHours
	}
	if req.TargetDaysFromNow != nil {
		c.TargetDaysFromNow = *req.TargetDaysFromNow
	}
	c.BalanceCategories = req.BalanceCategories

	var owner *string
	if req.OwnerID != "" {
		owner = &req.OwnerID
	}

	session, err := h.batches.Trigger(ctx, batch.TriggerRequest{
		OwnerID:     owner,
		ModelName:   req.ModelName,
		Constraints: c,
	})
	if errors.Is(err, selector.ErrInvalidConstraints) {
		h.httpError(w, "Invalid selection constraints", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("prediction trigger failed", "error", err)
		h.httpError(w, "Failed to start prediction batch", http.StatusInternalServerError)
		return
	}

	message := "Prediction batch queued"
	if len(session.TargetMarketIDs) == 0 {
		message = "No eligible markets"
	}
	h.respondJson(w, http.StatusOK, api.TriggerResponse{
		Accepted:  true,
		Message:   message,
		SessionID: session.ID.String(),
		Targets:   len(session.TargetMarketIDs),
	})
}

// RecoverSessions handles POST /internal/predictions/recover.
// The pass runs in the background; concurrent requests coalesce.
func (h *Handlers) RecoverSessions(w http.ResponseWriter, r *http.Request) {
	h.recovery.Kick()
	h.respondJson(w, http.StatusOK, api.RecoverResponse{
		Accepted: true,
		Message:  "Recovery and cleanup scheduled",
	})
}
