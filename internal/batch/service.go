// Package batch starts prediction batches and answers status queries for them.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forecastplane/internal/logger"
	"forecastplane/internal/prediction"
	"forecastplane/internal/selector"
	"forecastplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when a session does not exist or belongs to another owner.
var ErrNotFound = errors.New("session not found")

// Store is what the service needs from persistence.
type Store interface {
	store.SessionStore
	store.Queue
	store.TxBeginner
}

// CandidateSelector picks the target markets of a new batch.
type CandidateSelector interface {
	SelectCandidates(ctx context.Context, c selector.Constraints) ([]string, error)
}

// DefaultConstraints are applied to fields a trigger leaves unset.
func DefaultConstraints() selector.Constraints {
	return selector.Constraints{
		TopCount:          20,
		EndDateRangeHours: 24,
		TargetDaysFromNow: 7,
	}
}

// TriggerRequest describes a batch to start.
type TriggerRequest struct {
	OwnerID     *string
	ModelName   string
	Constraints selector.Constraints
}

// runParameters is stored as the session metadata.
type runParameters struct {
	TopMarketsCount   int       `json:"top_markets_count"`
	EndDateRangeHours int       `json:"end_date_range_hours"`
	TargetDaysFromNow int       `json:"target_days_from_now"`
	BalanceCategories bool      `json:"balance_categories"`
	Candidates        int       `json:"candidates"`
	TriggeredAt       time.Time `json:"triggered_at"`
}

// Service creates sessions and hands them to the worker queue.
type Service struct {
	store        Store
	selector     CandidateSelector
	tracker      *prediction.Tracker
	defaultModel string
	log          *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// New creates a Service.
func New(st Store, sel CandidateSelector, tracker *prediction.Tracker, defaultModel string, log *slog.Logger) *Service {
	return &Service{
		store:        st,
		selector:     sel,
		tracker:      tracker,
		defaultModel: defaultModel,
		log:          log,
		tracer:       otel.Tracer("forecastplane-batch"),
		now:          time.Now,
	}
}

// Trigger selects the target markets, creates the session and queues it in
// one transaction. Dispatch happens later on a worker. A batch with no
// candidates is created completed and never queued.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*store.Session, error) {
	ctx, span := s.tracer.Start(ctx, "batch.trigger")
	defer span.End()

	model := req.ModelName
	if model == "" {
		model = s.defaultModel
	}
	c := req.Constraints
	if err := c.Validate(); err != nil {
		return nil, err
	}

	targets, err := s.selector.SelectCandidates(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "selection failed")
		s.log.ErrorContext(ctx, "market selection failed", "error", err)
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	metadata, err := json.Marshal(runParameters{
		TopMarketsCount:   c.TopCount,
		EndDateRangeHours: c.EndDateRangeHours,
		TargetDaysFromNow: c.TargetDaysFromNow,
		BalanceCategories: c.BalanceCategories,
		Candidates:        len(targets),
		TriggeredAt:       s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := s.tracker.CreateSession(ctx, tx, prediction.NewSession{
		OwnerID:   req.OwnerID,
		Targets:   targets,
		ModelName: model,
		Metadata:  metadata,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "failed to create session", "error", err)
		return nil, fmt.Errorf("create session: %w", err)
	}
	log := s.log.With(logger.Session(session.ID))
	span.SetAttributes(
		attribute.String("session.id", session.ID.String()),
		attribute.Int("session.targets", len(session.TargetMarketIDs)),
	)

	if session.Status == store.SessionStatusPending {
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		payload, err := json.Marshal(store.BatchPayload{
			SessionID: session.ID,
			ModelName: model,
			Trace:     carrier,
		})
		if err != nil {
			return nil, err
		}
		if err := s.store.Enqueue(ctx, tx, session.ID, payload, time.Time{}); err != nil {
			log.ErrorContext(ctx, "failed to enqueue session", "error", err)
			return nil, fmt.Errorf("enqueue session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.ErrorContext(ctx, "failed to commit trigger", "error", err)
		return nil, fmt.Errorf("commit trigger: %w", err)
	}

	log.InfoContext(ctx, "batch triggered",
		"model", model,
		"targets", len(session.TargetMarketIDs),
		"status", session.Status)
	return session, nil
}

// GetStatus returns a session. When ownerID is set, sessions belonging to
// another owner are reported as not found.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID, ownerID *string) (*store.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !visibleTo(session, ownerID) {
		return nil, ErrNotFound
	}
	return session, nil
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(ctx context.Context, filter store.SessionFilter) ([]store.Session, error) {
	return s.store.ListSessions(ctx, filter)
}

// ListResults returns the results of a session visible to ownerID.
func (s *Service) ListResults(ctx context.Context, id uuid.UUID, ownerID *string) ([]store.PredictionResult, error) {
	if _, err := s.GetStatus(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, id)
}

func visibleTo(session *store.Session, ownerID *string) bool {
	if ownerID == nil {
		return true
	}
	return session.OwnerID != nil && *session.OwnerID == *ownerID
}
