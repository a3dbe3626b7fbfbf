package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"forecastplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Enqueue adds a session to the batch_queue. A session already queued keeps its row.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, sessionID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) error {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	_, err := s.getExecutor(tx).ExecContext(ctx, `
		INSERT INTO batch_queue (session_id, payload, visible_after)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, []byte(payload), visibleAfter)
	if err != nil {
		return fmt.Errorf("failed to enqueue session %s: %w", sessionID, err)
	}
	return nil
}

// ClaimBatch claims up to 'limit' visible items using SELECT ... FOR UPDATE SKIP LOCKED
// and deletes them in the same transaction. Redelivery after a crash is the
// lease sweep's job, not the queue's.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, session_id, payload
		FROM batch_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch claim query failed: %w", err)
	}
	defer rows.Close()

	var (
		items    []store.QueueItem
		queueIDs []int64
	)
	for rows.Next() {
		var (
			queueID int64
			item    store.QueueItem
			payload []byte
		)
		if err := rows.Scan(&queueID, &item.SessionID, &payload); err != nil {
			return nil, fmt.Errorf("batch claim scan failed: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
		queueIDs = append(queueIDs, queueID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch claim rows error: %w", err)
	}

	if len(items) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_queue WHERE id = ANY($1)`, pq.Array(queueIDs)); err != nil {
		return nil, fmt.Errorf("batch claim delete failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// Count returns the number of queued sessions, visible or delayed.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_queue`).Scan(&n)
	return n, err
}
