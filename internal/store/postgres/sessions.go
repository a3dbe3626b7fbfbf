package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"forecastplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const sessionColumns = `id, owner_id, status, model_name, target_market_ids, completed_market_ids,
	failed_markets, metadata, recovery_attempts, lease_owner, lease_expires_at,
	created_at, updated_at, completed_at`

// stuckCondition selects sessions whose dispatcher is presumed dead.
// %[1]s is the placeholder holding the staleness cutoff.
const stuckCondition = `(
	(s.status = 'in_progress' AND s.updated_at < %[1]s
		AND (s.lease_expires_at IS NULL OR s.lease_expires_at < NOW()))
	OR
	(s.status = 'pending' AND s.updated_at < %[1]s
		AND NOT EXISTS (SELECT 1 FROM batch_queue q WHERE q.session_id = s.id))
)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		s           store.Session
		ownerID     sql.NullString
		status      string
		targets     pq.StringArray
		completed   pq.StringArray
		failedJSON  []byte
		metadata    []byte
		leaseOwner  sql.NullString
		leaseExp    sql.NullTime
		completedAt sql.NullTime
	)

	if err := row.Scan(
		&s.ID, &ownerID, &status, &s.ModelName, &targets, &completed,
		&failedJSON, &metadata, &s.RecoveryAttempts, &leaseOwner, &leaseExp,
		&s.CreatedAt, &s.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	s.Status = store.SessionStatus(status)
	s.TargetMarketIDs = []string(targets)
	s.CompletedMarketIDs = []string(completed)
	s.FailedMarkets = make(map[string]string)
	if len(failedJSON) > 0 {
		if err := json.Unmarshal(failedJSON, &s.FailedMarkets); err != nil {
			return nil, fmt.Errorf("invalid failed_markets for session %s: %w", s.ID, err)
		}
	}
	s.Metadata = json.RawMessage(metadata)
	if ownerID.Valid {
		s.OwnerID = &ownerID.String
	}
	if leaseOwner.Valid {
		s.LeaseOwner = &leaseOwner.String
	}
	if leaseExp.Valid {
		s.LeaseExpiresAt = &leaseExp.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}

	return &s, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, tx store.DBTransaction, session *store.Session) error {
	executor := s.getExecutor(tx)

	failedJSON, err := json.Marshal(session.FailedMarkets)
	if err != nil {
		return err
	}
	if session.FailedMarkets == nil {
		failedJSON = []byte("{}")
	}
	metadata := []byte(session.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO prediction_sessions (id, owner_id, status, model_name, target_market_ids,
			completed_market_ids, failed_markets, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		session.ID,
		session.OwnerID,
		session.Status,
		session.ModelName,
		pq.Array(nonNil(session.TargetMarketIDs)),
		pq.Array(nonNil(session.CompletedMarketIDs)),
		failedJSON,
		metadata,
		session.CreatedAt,
		session.UpdatedAt,
		session.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession returns a session by its ID.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM prediction_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	return session, err
}

// ListSessions returns sessions newest first, optionally scoped to an owner.
func (s *Store) ListSessions(ctx context.Context, filter store.SessionFilter) ([]store.Session, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var (
		conds []string
		args  = []interface{}{limit}
	)
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM prediction_sessions
		%s
		ORDER BY created_at DESC
		LIMIT $1
	`, sessionColumns, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions query failed: %w", err)
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions scan failed: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// AcquireLease claims a pending session, or an in_progress one whose lease expired.
func (s *Store) AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*store.Lease, error) {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE prediction_sessions
		SET status = $2,
			lease_owner = $3,
			lease_expires_at = NOW() + ($4 * INTERVAL '1 second'),
			updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'in_progress')
		  AND (lease_expires_at IS NULL OR lease_expires_at < NOW())
		RETURNING lease_expires_at
	`, id, store.SessionStatusInProgress, owner, ttl.Seconds()).Scan(&expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Tell a missing session apart from one that is held or finished.
		var status string
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM prediction_sessions WHERE id = $1`, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrSessionNotFound
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrAlreadyLeased, id, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease on %s: %w", id, err)
	}

	return &store.Lease{SessionID: id, Owner: owner, ExpiresAt: expiresAt}, nil
}

// ExtendLease refreshes the lease expiry while the holder is still working.
func (s *Store) ExtendLease(ctx context.Context, lease *store.Lease, ttl time.Duration) error {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE prediction_sessions
		SET lease_expires_at = NOW() + ($3 * INTERVAL '1 second')
		WHERE id = $1 AND lease_owner = $2 AND status = 'in_progress'
		RETURNING lease_expires_at
	`, lease.SessionID, lease.Owner, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrLeaseLost
	}
	if err != nil {
		return err
	}
	lease.ExpiresAt = expiresAt
	return nil
}

// lockLeased loads the session row FOR UPDATE and checks the caller still holds the lease.
// The row lock is the per-session serialization point for concurrent outcome writes.
func lockLeased(ctx context.Context, tx *sql.Tx, lease *store.Lease) (*store.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM prediction_sessions WHERE id = $1 FOR UPDATE`, lease.SessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.Status != store.SessionStatusInProgress || session.LeaseOwner == nil || *session.LeaseOwner != lease.Owner {
		return nil, store.ErrLeaseLost
	}
	return session, nil
}

func writeSets(ctx context.Context, tx *sql.Tx, session *store.Session) error {
	failedJSON, err := json.Marshal(session.FailedMarkets)
	if err != nil {
		return err
	}
	return tx.QueryRowContext(ctx, `
		UPDATE prediction_sessions
		SET completed_market_ids = $2, failed_markets = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, session.ID, pq.Array(nonNil(session.CompletedMarketIDs)), failedJSON).Scan(&session.UpdatedAt)
}

// RecordSuccess inserts the result and marks the market completed in one transaction.
func (s *Store) RecordSuccess(ctx context.Context, lease *store.Lease, result *store.PredictionResult) (*store.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	session, err := lockLeased(ctx, tx, lease)
	if err != nil {
		return nil, err
	}
	if !session.IsTarget(result.MarketID) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotTarget, result.MarketID)
	}

	if !session.ApplySuccess(result.MarketID) {
		// Replayed outcome: nothing to write.
		return session, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prediction_results (id, session_id, market_id, model_name, payload, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, market_id) DO NOTHING
	`, result.ID, result.SessionID, result.MarketID, result.ModelName, []byte(result.Payload), result.RawResponse, result.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert result for market %s: %w", result.MarketID, err)
	}

	if err := writeSets(ctx, tx, session); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

// RecordFailure stores the latest error summary for a market.
func (s *Store) RecordFailure(ctx context.Context, lease *store.Lease, marketID, errSummary string) (*store.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	session, err := lockLeased(ctx, tx, lease)
	if err != nil {
		return nil, err
	}
	if !session.IsTarget(marketID) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotTarget, marketID)
	}

	if !session.ApplyFailure(marketID, errSummary) {
		return session, tx.Commit()
	}

	if err := writeSets(ctx, tx, session); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

// Finalize derives the terminal status and releases the lease.
func (s *Store) Finalize(ctx context.Context, lease *store.Lease) (*store.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	session, err := lockLeased(ctx, tx, lease)
	if err != nil {
		return nil, err
	}
	if pending := session.Unprocessed(); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d markets unprocessed", store.ErrSessionIncomplete, len(pending))
	}

	session.Status = session.FinalStatus()
	var completedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE prediction_sessions
		SET status = $2, completed_at = NOW(), updated_at = NOW(),
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1
		RETURNING completed_at
	`, session.ID, session.Status).Scan(&completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize session %s: %w", session.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	session.CompletedAt = &completedAt
	session.UpdatedAt = completedAt
	session.LeaseOwner = nil
	session.LeaseExpiresAt = nil
	return session, nil
}

// ListStuckSessions returns sessions whose dispatcher is presumed dead, oldest first.
func (s *Store) ListStuckSessions(ctx context.Context, staleBefore time.Time) ([]store.Session, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM prediction_sessions s
		WHERE %s
		ORDER BY s.updated_at ASC
		LIMIT 100
	`, sessionColumns, fmt.Sprintf(stuckCondition, "$1"))

	rows, err := s.db.QueryContext(ctx, query, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("stuck sessions query failed: %w", err)
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("stuck sessions scan failed: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// ReclaimSession puts a stuck session back to pending and counts the attempt.
func (s *Store) ReclaimSession(ctx context.Context, tx store.DBTransaction, id uuid.UUID, staleBefore time.Time) (bool, error) {
	executor := s.getExecutor(tx)
	res, err := executor.ExecContext(ctx, fmt.Sprintf(`
		UPDATE prediction_sessions s
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL,
			recovery_attempts = s.recovery_attempts + 1, updated_at = NOW()
		WHERE s.id = $1 AND %s
	`, fmt.Sprintf(stuckCondition, "$2")), id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AbandonSession marks a stuck session abandoned.
func (s *Store) AbandonSession(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE prediction_sessions s
		SET status = 'abandoned', lease_owner = NULL, lease_expires_at = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE s.id = $1 AND %s
	`, fmt.Sprintf(stuckCondition, "$2")), id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to abandon session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteTerminalSessions removes finished sessions past the retention window.
func (s *Store) DeleteTerminalSessions(ctx context.Context, before time.Time) (int64, error) {
	terminal := []string{
		string(store.SessionStatusCompleted),
		string(store.SessionStatusPartiallyFailed),
		string(store.SessionStatusFailed),
		string(store.SessionStatusAbandoned),
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM prediction_sessions
		WHERE status = ANY($1) AND updated_at < $2
	`, pq.Array(terminal), before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListResults returns the results of a session in creation order.
func (s *Store) ListResults(ctx context.Context, sessionID uuid.UUID) ([]store.PredictionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, market_id, model_name, payload, raw_response, created_at
		FROM prediction_results
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []store.PredictionResult
	for rows.Next() {
		var (
			r       store.PredictionResult
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.MarketID, &r.ModelName, &payload, &r.RawResponse, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountSessionsByStatus reports the number of sessions per status.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[store.SessionStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM prediction_sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[store.SessionStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[store.SessionStatus(status)] = count
	}
	return out, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
