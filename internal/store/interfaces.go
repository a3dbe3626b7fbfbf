package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when no session matches the given ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyLeased is returned when another run holds a live lease on the session,
	// or when the session is no longer eligible for dispatch.
	ErrAlreadyLeased = errors.New("session already leased")

	// ErrLeaseLost is returned when a write is attempted by a holder whose lease
	// was released or reclaimed.
	ErrLeaseLost = errors.New("session lease lost")

	// ErrNotTarget is returned when an outcome names a market outside the target set.
	ErrNotTarget = errors.New("market is not a target of the session")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// TxBeginner starts transactions spanning several store calls.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// SessionStore handles the persistence of prediction sessions and their results.
// Every outcome write is serialized per session by the implementation.
type SessionStore interface {
	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, tx DBTransaction, session *Session) error

	// GetSession returns a session by its ID.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)

	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	// AcquireLease moves a pending or lease-expired session to in_progress.
	// Returns ErrAlreadyLeased if a live lease exists or the session is terminal.
	AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*Lease, error)

	// ExtendLease pushes the lease expiry forward (heartbeat).
	ExtendLease(ctx context.Context, lease *Lease, ttl time.Duration) error

	// RecordSuccess stores the result and marks its market completed in one step.
	// Replaying the same success is a no-op.
	RecordSuccess(ctx context.Context, lease *Lease, result *PredictionResult) (*Session, error)

	// RecordFailure stores the error summary for a market that has not completed.
	RecordFailure(ctx context.Context, lease *Lease, marketID, errSummary string) (*Session, error)

	// Finalize writes the terminal status derived from the session's sets and
	// releases the lease.
	Finalize(ctx context.Context, lease *Lease) (*Session, error)

	// ListStuckSessions returns in_progress sessions not updated since staleBefore
	// whose lease has expired, and pending sessions older than staleBefore that
	// have nothing queued.
	ListStuckSessions(ctx context.Context, staleBefore time.Time) ([]Session, error)

	// ReclaimSession returns a stuck session to pending, clears its lease and
	// counts one recovery attempt. Returns false if it is no longer stuck.
	ReclaimSession(ctx context.Context, tx DBTransaction, id uuid.UUID, staleBefore time.Time) (bool, error)

	// AbandonSession marks a stuck session abandoned. Returns false if it is no longer stuck.
	AbandonSession(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)

	// DeleteTerminalSessions deletes terminal sessions last updated before the cutoff.
	DeleteTerminalSessions(ctx context.Context, before time.Time) (int64, error)

	// ListResults returns the results recorded for a session.
	ListResults(ctx context.Context, sessionID uuid.UUID) ([]PredictionResult, error)

	// CountSessionsByStatus reports how many sessions are in each status.
	CountSessionsByStatus(ctx context.Context) (map[SessionStatus]int64, error)
}

// ErrSessionIncomplete is returned by Finalize while targets remain unprocessed.
var ErrSessionIncomplete = errors.New("session has unprocessed markets")
