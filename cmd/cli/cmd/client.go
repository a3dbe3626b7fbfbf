package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"forecastplane/pkg/api"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PredictionClient handles API calls to the forecastplane controller.
type PredictionClient struct {
	BaseURL string
	// Token is the cron secret. It authorizes the internal endpoints
	// and gives operator visibility on the session endpoints.
	Token string
	// UserID scopes session reads to one owner when Token is empty.
	UserID     string
	HTTPClient *http.Client
}

// NewPredictionClient creates a new client with the given base URL and credentials.
func NewPredictionClient(baseURL, token, userID string) *PredictionClient {
	return &PredictionClient{
		BaseURL: baseURL,
		Token:   token,
		UserID:  userID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Trigger sends POST /internal/predictions/trigger to start a batch.
func (c *PredictionClient) Trigger(req api.TriggerRequest) (*api.TriggerResponse, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result api.TriggerResponse
	if err := c.do(http.MethodPost, "/internal/predictions/trigger", bytes.NewReader(bodyBytes), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Recover sends POST /internal/predictions/recover to schedule a recovery pass.
func (c *PredictionClient) Recover() (*api.RecoverResponse, error) {
	var result api.RecoverResponse
	if err := c.do(http.MethodPost, "/internal/predictions/recover", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession sends GET /sessions/{id}.
func (c *PredictionClient) GetSession(sessionID string) (*api.SessionSummary, error) {
	var result api.SessionSummary
	if err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions sends GET /sessions. A zero limit and empty cursor use the server defaults.
func (c *PredictionClient) ListSessions(limit int, before string) (*api.ListSessionsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result api.ListSessionsResponse
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResults sends GET /sessions/{id}/results.
func (c *PredictionClient) ListResults(sessionID string) (*api.ListResultsResponse, error) {
	var result api.ListResultsResponse
	if err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/results", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *PredictionClient) do(method, path string, body io.Reader, out any) error {
	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	if c.UserID != "" {
		httpReq.Header.Add("X-User-ID", c.UserID)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the JSON error field and falls back to the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}
