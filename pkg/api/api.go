// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// TriggerRequest is the request body for starting a prediction batch.
// Unset fields take their defaults.
type TriggerRequest struct {
	TopMarketsCount   *int   `json:"topMarketsCount,omitempty"`
	EndDateRangeHours *int   `json:"endDateRangeHours,omitempty"`
	TargetDaysFromNow *int   `json:"targetDaysFromNow,omitempty"`
	ModelName         string `json:"modelName,omitempty"`
	BalanceCategories bool   `json:"balanceCategories,omitempty"`
	// OwnerID attributes the batch to a user; empty means a system batch.
	OwnerID string `json:"ownerId,omitempty"`
}

// TriggerResponse is returned once the batch is created and queued.
type TriggerResponse struct {
	Accepted  bool   `json:"accepted"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Targets   int    `json:"targets"`
}

// RecoverResponse is returned when a recovery pass has been scheduled.
type RecoverResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// SessionProgress counts the markets of a session.
type SessionProgress struct {
	Targets   int `json:"targets"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// SessionSummary represents a session in API responses.
type SessionSummary struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	ModelName        string            `json:"modelName"`
	Progress         SessionProgress   `json:"progress"`
	FailedMarkets    map[string]string `json:"failedMarkets,omitempty"`
	RecoveryAttempts int               `json:"recoveryAttempts"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// ListSessionsResponse is the response body for session listings.
// NextBefore is the cursor for the next page, empty on the last page.
type ListSessionsResponse struct {
	Sessions   []SessionSummary `json:"sessions"`
	NextBefore string           `json:"nextBefore,omitempty"`
}

// ResultResponse is one stored prediction.
type ResultResponse struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"marketId"`
	ModelName   string          `json:"modelName"`
	Prediction  json.RawMessage `json:"prediction"`
	RawResponse string          `json:"rawResponse,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ListResultsResponse is the response body for a session's results.
type ListResultsResponse struct {
	SessionID string           `json:"sessionId"`
	Results   []ResultResponse `json:"results"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
