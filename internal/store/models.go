// Package store contains the database layer for forecastplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the state of a prediction session.
type SessionStatus string

const (
	SessionStatusPending         SessionStatus = "pending"
	SessionStatusInProgress      SessionStatus = "in_progress"
	SessionStatusCompleted       SessionStatus = "completed"
	SessionStatusPartiallyFailed SessionStatus = "partially_failed"
	SessionStatusFailed          SessionStatus = "failed"
	SessionStatusAbandoned       SessionStatus = "abandoned"
)

// Terminal reports whether no further automatic transition happens from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusPartiallyFailed, SessionStatusFailed, SessionStatusAbandoned:
		return true
	}
	return false
}

// Session is one batch run over a fixed, ordered set of target markets.
type Session struct {
	ID        uuid.UUID
	OwnerID   *string // nil for system-triggered batches
	Status    SessionStatus
	ModelName string

	// TargetMarketIDs is fixed at creation. Its order is the processing order.
	TargetMarketIDs    []string
	CompletedMarketIDs []string
	// FailedMarkets maps a market ID to the last error summary recorded for it.
	FailedMarkets map[string]string

	// Metadata holds the run parameters and is never rewritten after creation.
	Metadata json.RawMessage

	RecoveryAttempts int
	LeaseOwner       *string
	LeaseExpiresAt   *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Remaining returns the targets that have not completed yet, in target order.
// Failed markets are included so a resumed run retries them.
func (s *Session) Remaining() []string {
	done := make(map[string]struct{}, len(s.CompletedMarketIDs))
	for _, id := range s.CompletedMarketIDs {
		done[id] = struct{}{}
	}
	var out []string
	for _, id := range s.TargetMarketIDs {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Unprocessed returns the targets with neither a success nor a failure recorded.
func (s *Session) Unprocessed() []string {
	var out []string
	for _, id := range s.Remaining() {
		if _, failed := s.FailedMarkets[id]; !failed {
			out = append(out, id)
		}
	}
	return out
}

// IsTarget reports whether marketID belongs to the session's target set.
func (s *Session) IsTarget(marketID string) bool {
	for _, id := range s.TargetMarketIDs {
		if id == marketID {
			return true
		}
	}
	return false
}

// IsCompleted reports whether marketID has a recorded success.
func (s *Session) IsCompleted(marketID string) bool {
	for _, id := range s.CompletedMarketIDs {
		if id == marketID {
			return true
		}
	}
	return false
}

// ApplySuccess moves marketID into the completed set and drops any failure
// entry for it. It returns false when the success was already recorded.
func (s *Session) ApplySuccess(marketID string) bool {
	if s.IsCompleted(marketID) {
		return false
	}
	s.CompletedMarketIDs = append(s.CompletedMarketIDs, marketID)
	delete(s.FailedMarkets, marketID)
	return true
}

// ApplyFailure records errSummary for marketID. Completed markets keep their
// success; it returns false in that case and when the summary is unchanged.
func (s *Session) ApplyFailure(marketID, errSummary string) bool {
	if s.IsCompleted(marketID) {
		return false
	}
	if s.FailedMarkets == nil {
		s.FailedMarkets = make(map[string]string)
	}
	if prev, ok := s.FailedMarkets[marketID]; ok && prev == errSummary {
		return false
	}
	s.FailedMarkets[marketID] = errSummary
	return true
}

// FinalStatus derives the terminal status from the session's sets.
func (s *Session) FinalStatus() SessionStatus {
	switch {
	case len(s.CompletedMarketIDs) == len(s.TargetMarketIDs):
		return SessionStatusCompleted
	case len(s.CompletedMarketIDs) > 0:
		return SessionStatusPartiallyFailed
	default:
		return SessionStatusFailed
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.TargetMarketIDs = append([]string(nil), s.TargetMarketIDs...)
	c.CompletedMarketIDs = append([]string(nil), s.CompletedMarketIDs...)
	c.FailedMarkets = make(map[string]string, len(s.FailedMarkets))
	for k, v := range s.FailedMarkets {
		c.FailedMarkets[k] = v
	}
	c.Metadata = append(json.RawMessage(nil), s.Metadata...)
	return &c
}

// Lease is a time-bounded claim of exclusive ownership over a session.
type Lease struct {
	SessionID uuid.UUID
	Owner     string
	ExpiresAt time.Time
}

// PredictionResult is one successful prediction for a market within a session.
type PredictionResult struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	MarketID    string
	ModelName   string
	Payload     json.RawMessage
	RawResponse string
	CreatedAt   time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	OwnerID *string
	Before  *time.Time // keyset cursor on created_at
	Limit   int
}
