package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue defines the interface for batch queue operations.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type Queue interface {
	// Enqueue hands a session to the workers. A session is queued at most once;
	// enqueueing it again while queued is a no-op.
	Enqueue(ctx context.Context, tx DBTransaction, sessionID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) error

	// ClaimBatch removes and returns up to 'limit' visible items atomically.
	// Returns nil slice if queue is empty.
	ClaimBatch(ctx context.Context, limit int) ([]QueueItem, error)

	// Count tracks count of items in queue
	Count(ctx context.Context) (int64, error)
}

// QueueItem represents a claimed batch from the queue.
type QueueItem struct {
	SessionID uuid.UUID
	Payload   json.RawMessage
}

// BatchPayload is the queue payload handed from the controller to the worker.
type BatchPayload struct {
	SessionID uuid.UUID         `json:"session_id"`
	ModelName string            `json:"model_name"`
	Resume    bool              `json:"resume,omitempty"`
	Trace     map[string]string `json:"trace,omitempty"`
}
