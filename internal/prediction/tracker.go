// Package prediction runs prediction batches: it builds prompts, calls the AI
// provider with bounded concurrency and retries, validates responses, and
// records each market's outcome against the durable session.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forecastplane/internal/logger"
	"forecastplane/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// PersistenceError is returned when a session write still fails after retries.
type PersistenceError struct {
	Op        string
	SessionID uuid.UUID
	MarketID  string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.MarketID != "" {
		return fmt.Sprintf("persist %s for session %s market %s: %v", e.Op, e.SessionID, e.MarketID, e.Err)
	}
	return fmt.Sprintf("persist %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewSession describes a session to create.
type NewSession struct {
	OwnerID   *string
	Targets   []string
	ModelName string
	Metadata  json.RawMessage
}

// TrackerConfig tunes lease and write-retry behaviour.
type TrackerConfig struct {
	LeaseTTL time.Duration
	// NewBackOff returns the retry schedule for failed writes. Nil retries for
	// up to 30s with exponential delays.
	NewBackOff func() backoff.BackOff
}

// Tracker owns every session state transition made by a running batch.
// Writes for one session are serialized in-process, and by the store's row
// lock across processes.
type Tracker struct {
	sessions store.SessionStore
	cfg      TrackerConfig
	log      *slog.Logger
	now      func() time.Time
	locks    keyedMutex
}

// NewTracker creates a Tracker over the given store.
func NewTracker(sessions store.SessionStore, cfg TrackerConfig, log *slog.Logger) *Tracker {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Tracker{
		sessions: sessions,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		locks:    keyedMutex{locks: make(map[uuid.UUID]*refMutex)},
	}
}

// LeaseTTL is the lifetime granted by MarkInProgress and Heartbeat.
func (t *Tracker) LeaseTTL() time.Duration {
	return t.cfg.LeaseTTL
}

// CreateSession inserts a pending session with a fixed, de-duplicated target
// list. A session with no targets is created completed.
func (t *Tracker) CreateSession(ctx context.Context, tx store.DBTransaction, ns NewSession) (*store.Session, error) {
	now := t.now().UTC()
	s := &store.Session{
		ID:                 uuid.New(),
		OwnerID:            ns.OwnerID,
		Status:             store.SessionStatusPending,
		ModelName:          ns.ModelName,
		TargetMarketIDs:    dedupe(ns.Targets),
		CompletedMarketIDs: []string{},
		FailedMarkets:      map[string]string{},
		Metadata:           ns.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(s.TargetMarketIDs) == 0 {
		s.Status = store.SessionStatusCompleted
		s.CompletedAt = &now
	}

	if err := t.sessions.CreateSession(ctx, tx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// MarkInProgress acquires the session lease for owner.
// It fails with store.ErrAlreadyLeased while another holder's lease is live.
func (t *Tracker) MarkInProgress(ctx context.Context, id uuid.UUID, owner string) (*store.Lease, error) {
	return t.sessions.AcquireLease(ctx, id, owner, t.cfg.LeaseTTL)
}

// Heartbeat extends the lease.
func (t *Tracker) Heartbeat(ctx context.Context, lease *store.Lease) error {
	return t.sessions.ExtendLease(ctx, lease, t.cfg.LeaseTTL)
}

// RecordSuccess persists result and marks its market completed.
// Recording the same market twice leaves a single result.
func (t *Tracker) RecordSuccess(ctx context.Context, lease *store.Lease, result *store.PredictionResult) (*store.Session, error) {
	return t.persist(ctx, "success", lease, result.MarketID, func(ctx context.Context) (*store.Session, error) {
		return t.sessions.RecordSuccess(ctx, lease, result)
	})
}

// RecordFailure persists the error summary for a market.
func (t *Tracker) RecordFailure(ctx context.Context, lease *store.Lease, marketID, summary string) (*store.Session, error) {
	return t.persist(ctx, "failure", lease, marketID, func(ctx context.Context) (*store.Session, error) {
		return t.sessions.RecordFailure(ctx, lease, marketID, summary)
	})
}

// Finalize writes the terminal status and releases the lease.
func (t *Tracker) Finalize(ctx context.Context, lease *store.Lease) (*store.Session, error) {
	return t.persist(ctx, "finalize", lease, "", func(ctx context.Context) (*store.Session, error) {
		return t.sessions.Finalize(ctx, lease)
	})
}

func (t *Tracker) backOff() backoff.BackOff {
	if t.cfg.NewBackOff != nil {
		return t.cfg.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func (t *Tracker) persist(ctx context.Context, op string, lease *store.Lease, marketID string, write func(context.Context) (*store.Session, error)) (*store.Session, error) {
	unlock := t.locks.lock(lease.SessionID)
	defer unlock()

	log := t.log.With(logger.Session(lease.SessionID), slog.String("op", op))
	if marketID != "" {
		log = log.With(logger.Market(marketID))
	}

	var out *store.Session
	err := backoff.Retry(func() error {
		s, err := write(ctx)
		if err == nil {
			out = s
			return nil
		}
		if permanentWriteError(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.Warn("session write failed, retrying", "error", err)
		return err
	}, backoff.WithContext(t.backOff(), ctx))

	switch {
	case err == nil:
		return out, nil
	case permanentWriteError(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}

	log.Error("session write failed permanently", "error", err)
	return nil, &PersistenceError{Op: op, SessionID: lease.SessionID, MarketID: marketID, Err: err}
}

func permanentWriteError(err error) bool {
	return errors.Is(err, store.ErrLeaseLost) ||
		errors.Is(err, store.ErrNotTarget) ||
		errors.Is(err, store.ErrSessionNotFound) ||
		errors.Is(err, store.ErrSessionIncomplete)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per session and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
