// Package storetest provides an in-memory store for exercising the pipeline
// without a database.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forecastplane/internal/store"

	"github.com/google/uuid"
)

// Memory implements store.SessionStore, store.Queue and store.TxBeginner.
// Writes made through a transaction from BeginTx become visible on Commit.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[uuid.UUID]*store.Session
	results  map[uuid.UUID]map[string]store.PredictionResult
	queue    []queued
	// reclaiming holds sessions reclaimed by an uncommitted transaction,
	// standing in for the row lock Postgres would hold.
	reclaiming map[uuid.UUID]bool

	// RecordErr, when set, is consulted before every RecordSuccess and
	// RecordFailure. A non-nil return aborts the write.
	RecordErr func(op, marketID string) error

	successWrites int
	failureWrites int
}

type queued struct {
	sessionID    uuid.UUID
	payload      json.RawMessage
	visibleAfter time.Time
}

// NewMemory returns an empty store using the wall clock.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		sessions: make(map[uuid.UUID]*store.Session),
		results:  make(map[uuid.UUID]map[string]store.PredictionResult),

		reclaiming: make(map[uuid.UUID]bool),
	}
}

// SetClock replaces the clock used for timestamps and lease checks.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put stores a copy of the session as-is, bypassing every check.
func (m *Memory) Put(s *store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
}

// Snapshot returns a copy of the stored session, or nil.
func (m *Memory) Snapshot(id uuid.UUID) *store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return s.Clone()
}

// Writes reports how many successful and failed outcomes changed a session.
func (m *Memory) Writes() (success, failure int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successWrites, m.failureWrites
}

// Queued returns the queued session IDs in claim order.
func (m *Memory) Queued() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.queue))
	for _, q := range m.queue {
		out = append(out, q.sessionID)
	}
	return out
}

// memTx buffers writes until Commit.
type memTx struct {
	m       *Memory
	pending []func()
	release []func()
	done    bool
}

func (t *memTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, errors.New("storetest: raw SQL is not supported")
}

func (t *memTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("storetest: raw SQL is not supported")
}

func (t *memTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, apply := range t.pending {
		apply()
	}
	for _, r := range t.release {
		r()
	}
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.pending = nil
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, r := range t.release {
		r()
	}
	return nil
}

// BeginTx starts a buffered transaction.
func (m *Memory) BeginTx(ctx context.Context) (store.Tx, error) {
	return &memTx{m: m}, nil
}

// run applies fn now, or on commit when tx is one of ours. Callers hold no lock.
func (m *Memory) run(tx store.DBTransaction, fn func()) {
	if t, ok := tx.(*memTx); ok && t != nil {
		t.pending = append(t.pending, fn)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Memory) CreateSession(ctx context.Context, tx store.DBTransaction, s *store.Session) error {
	m.mu.Lock()
	_, exists := m.sessions[s.ID]
	m.mu.Unlock()
	if exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	c := s.Clone()
	m.run(tx, func() { m.sessions[c.ID] = c })
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(ctx context.Context, filter store.SessionFilter) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var out []store.Session
	for _, s := range m.sessions {
		if filter.OwnerID != nil && (s.OwnerID == nil || *s.OwnerID != *filter.OwnerID) {
			continue
		}
		if filter.Before != nil && !s.CreatedAt.Before(*filter.Before) {
			continue
		}
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	now := m.now()
	if s.Status != store.SessionStatusPending && s.Status != store.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrAlreadyLeased, id, s.Status)
	}
	if s.LeaseExpiresAt != nil && !s.LeaseExpiresAt.Before(now) {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrAlreadyLeased, id, s.Status)
	}

	exp := now.Add(ttl)
	o := owner
	s.Status = store.SessionStatusInProgress
	s.LeaseOwner = &o
	s.LeaseExpiresAt = &exp
	s.UpdatedAt = now
	return &store.Lease{SessionID: id, Owner: owner, ExpiresAt: exp}, nil
}

func (m *Memory) ExtendLease(ctx context.Context, lease *store.Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.leased(lease)
	if err != nil {
		return store.ErrLeaseLost
	}
	exp := m.now().Add(ttl)
	s.LeaseExpiresAt = &exp
	lease.ExpiresAt = exp
	return nil
}

func (m *Memory) leased(lease *store.Lease) (*store.Session, error) {
	s, ok := m.sessions[lease.SessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if s.Status != store.SessionStatusInProgress || s.LeaseOwner == nil || *s.LeaseOwner != lease.Owner {
		return nil, store.ErrLeaseLost
	}
	return s, nil
}

func (m *Memory) RecordSuccess(ctx context.Context, lease *store.Lease, result *store.PredictionResult) (*store.Session, error) {
	if m.RecordErr != nil {
		if err := m.RecordErr("success", result.MarketID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.leased(lease)
	if err != nil {
		return nil, err
	}
	if !s.IsTarget(result.MarketID) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotTarget, result.MarketID)
	}
	if s.ApplySuccess(result.MarketID) {
		if m.results[s.ID] == nil {
			m.results[s.ID] = make(map[string]store.PredictionResult)
		}
		if _, dup := m.results[s.ID][result.MarketID]; !dup {
			m.results[s.ID][result.MarketID] = *result
		}
		s.UpdatedAt = m.now()
		m.successWrites++
	}
	return s.Clone(), nil
}

func (m *Memory) RecordFailure(ctx context.Context, lease *store.Lease, marketID, errSummary string) (*store.Session, error) {
	if m.RecordErr != nil {
		if err := m.RecordErr("failure", marketID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.leased(lease)
	if err != nil {
		return nil, err
	}
	if !s.IsTarget(marketID) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotTarget, marketID)
	}
	if s.ApplyFailure(marketID, errSummary) {
		s.UpdatedAt = m.now()
		m.failureWrites++
	}
	return s.Clone(), nil
}

func (m *Memory) Finalize(ctx context.Context, lease *store.Lease) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.leased(lease)
	if err != nil {
		return nil, err
	}
	if pending := s.Unprocessed(); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d markets unprocessed", store.ErrSessionIncomplete, len(pending))
	}
	now := m.now()
	s.Status = s.FinalStatus()
	s.CompletedAt = &now
	s.UpdatedAt = now
	s.LeaseOwner = nil
	s.LeaseExpiresAt = nil
	return s.Clone(), nil
}

func (m *Memory) stuck(s *store.Session, staleBefore time.Time) bool {
	if !s.UpdatedAt.Before(staleBefore) {
		return false
	}
	switch s.Status {
	case store.SessionStatusInProgress:
		return s.LeaseExpiresAt == nil || s.LeaseExpiresAt.Before(m.now())
	case store.SessionStatusPending:
		for _, q := range m.queue {
			if q.sessionID == s.ID {
				return false
			}
		}
		return true
	}
	return false
}

func (m *Memory) ListStuckSessions(ctx context.Context, staleBefore time.Time) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Session
	for _, s := range m.sessions {
		if m.stuck(s, staleBefore) {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) ReclaimSession(ctx context.Context, tx store.DBTransaction, id uuid.UUID, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || m.reclaiming[id] || !m.stuck(s, staleBefore) {
		m.mu.Unlock()
		return false, nil
	}
	apply := func() {
		s.Status = store.SessionStatusPending
		s.LeaseOwner = nil
		s.LeaseExpiresAt = nil
		s.RecoveryAttempts++
		s.UpdatedAt = m.now()
	}
	t, buffered := tx.(*memTx)
	if !buffered || t == nil {
		apply()
		m.mu.Unlock()
		return true, nil
	}
	m.reclaiming[id] = true
	m.mu.Unlock()

	t.pending = append(t.pending, apply)
	t.release = append(t.release, func() { delete(m.reclaiming, id) })
	return true, nil
}

func (m *Memory) AbandonSession(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !m.stuck(s, staleBefore) {
		return false, nil
	}
	now := m.now()
	s.Status = store.SessionStatusAbandoned
	s.LeaseOwner = nil
	s.LeaseExpiresAt = nil
	s.CompletedAt = &now
	s.UpdatedAt = now
	return true, nil
}

func (m *Memory) DeleteTerminalSessions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListResults(ctx context.Context, sessionID uuid.UUID) ([]store.PredictionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.PredictionResult
	for _, r := range m.results[sessionID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (m *Memory) CountSessionsByStatus(ctx context.Context) (map[store.SessionStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[store.SessionStatus]int64)
	for _, s := range m.sessions {
		out[s.Status]++
	}
	return out, nil
}

func (m *Memory) Enqueue(ctx context.Context, tx store.DBTransaction, sessionID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) error {
	p := append(json.RawMessage(nil), payload...)
	m.run(tx, func() {
		for _, q := range m.queue {
			if q.sessionID == sessionID {
				return
			}
		}
		if visibleAfter.IsZero() {
			visibleAfter = m.now()
		}
		m.queue = append(m.queue, queued{sessionID: sessionID, payload: p, visibleAfter: visibleAfter})
	})
	return nil
}

func (m *Memory) ClaimBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}
	now := m.now()
	var (
		items []store.QueueItem
		keep  []queued
	)
	for _, q := range m.queue {
		if len(items) < limit && !q.visibleAfter.After(now) {
			items = append(items, store.QueueItem{SessionID: q.sessionID, Payload: q.payload})
			continue
		}
		keep = append(keep, q)
	}
	m.queue = keep
	return items, nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}
