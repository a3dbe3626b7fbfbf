package handlers

import (
	"context"
	"time"

	"forecastplane/internal/batch"
	"forecastplane/internal/logger"
	"forecastplane/internal/store"

	"github.com/google/uuid"
)

// Mock batch service
type mockBatches struct {
	triggerResp *store.Session
	triggerErr  error
	statusResp  *store.Session
	statusErr   error
	listResp    []store.Session
	listErr     error
	resultsResp []store.PredictionResult
	resultsErr  error

	// Spies (to verify arguments passed by handlers)
	capturedTrigger batch.TriggerRequest
	capturedFilter  store.SessionFilter
	capturedOwner   *string
	triggerCalls    int
}

func (m *mockBatches) Trigger(ctx context.Context, req batch.TriggerRequest) (*store.Session, error) {
	m.triggerCalls++
	m.capturedTrigger = req
	return m.triggerResp, m.triggerErr
}

func (m *mockBatches) GetStatus(ctx context.Context, id uuid.UUID, ownerID *string) (*store.Session, error) {
	m.capturedOwner = ownerID
	return m.statusResp, m.statusErr
}

func (m *mockBatches) ListSessions(ctx context.Context, filter store.SessionFilter) ([]store.Session, error) {
	m.capturedFilter = filter
	return m.listResp, m.listErr
}

func (m *mockBatches) ListResults(ctx context.Context, id uuid.UUID, ownerID *string) ([]store.PredictionResult, error) {
	m.capturedOwner = ownerID
	return m.resultsResp, m.resultsErr
}

type mockKicker struct{ kicks int }

func (m *mockKicker) Kick() { m.kicks++ }

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

func newTestHandlers(b *mockBatches) *Handlers {
	return New(b, &mockKicker{}, &mockPinger{}, logger.Discard())
}

func sampleSession() *store.Session {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := "user-1"
	return &store.Session{
		ID:                 uuid.MustParse("4f8a2c1e-0000-4000-8000-000000000001"),
		OwnerID:            &owner,
		Status:             store.SessionStatusInProgress,
		ModelName:          "gpt-4o-mini",
		TargetMarketIDs:    []string{"m1", "m2", "m3", "m4"},
		CompletedMarketIDs: []string{"m1"},
		FailedMarkets:      map[string]string{"m2": "provider timeout"},
		CreatedAt:          created,
		UpdatedAt:          created.Add(time.Minute),
	}
}
