package cmd

import (
	"bytes"
	"encoding/json"
	"forecastplane/pkg/api"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestListCommand(t *testing.T) {
	resetViper()
	resetFlags(t)

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(api.ListSessionsResponse{
			Sessions: []api.SessionSummary{
				{ID: "sess-b", Status: "in_progress", ModelName: "gpt-4o-mini", Progress: api.SessionProgress{Targets: 4, Completed: 1, Remaining: 3}, CreatedAt: time.Now()},
				{ID: "sess-a", Status: "completed", ModelName: "gpt-4o-mini", Progress: api.SessionProgress{Targets: 2, Completed: 2}, CreatedAt: time.Now().Add(-time.Hour)},
			},
			NextBefore: "2026-01-01T00:00:00Z",
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("user", "user-1")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"list", "--limit", "2"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotQuery != "limit=2" {
		t.Errorf("query = %q, want limit=2", gotQuery)
	}
	output := stdout.String()
	for _, want := range []string{"STATUS", "sess-a", "sess-b", "1/4", "forecastctl list --before 2026-01-01T00:00:00Z"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestListCommand_Empty(t *testing.T) {
	resetViper()
	resetFlags(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListSessionsResponse{Sessions: []api.SessionSummary{}})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"list"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "No sessions found.") {
		t.Errorf("expected empty message, got: %s", stdout.String())
	}
}

func TestResultsCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/sess-1/results" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.ListResultsResponse{
			SessionID: "sess-1",
			Results: []api.ResultResponse{
				{ID: "r-1", MarketID: "m-1", ModelName: "gpt-4o-mini", Prediction: json.RawMessage(`{"outcome":"YES","confidence":0.7}`), CreatedAt: time.Now()},
			},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"results", "sess-1"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	for _, want := range []string{"MARKET", "m-1", `"outcome":"YES"`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestResultsCommand_Empty(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListResultsResponse{SessionID: "sess-1"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"results", "sess-1"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "No predictions stored yet.") {
		t.Errorf("expected empty message, got: %s", stdout.String())
	}
}
