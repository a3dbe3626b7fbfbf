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

func TestStatusCommand_Success(t *testing.T) {
	resetViper()

	created := time.Now().Add(-10 * time.Minute)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/sessions/sess-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}

		json.NewEncoder(w).Encode(api.SessionSummary{
			ID:        "sess-123",
			Status:    "in_progress",
			ModelName: "gpt-4o-mini",
			Progress:  api.SessionProgress{Targets: 5, Completed: 2, Failed: 1, Remaining: 2},
			CreatedAt: created,
			UpdatedAt: created,
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "sess-123"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	for _, want := range []string{"sess-123", "in_progress", "gpt-4o-mini", "1 failed", "2 remaining", "Updated:"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "Failed markets:") {
		t.Errorf("expected no failed markets section, got: %s", output)
	}
}

func TestStatusCommand_FinishedWithFailures(t *testing.T) {
	resetViper()

	created := time.Now().Add(-10 * time.Minute)
	finished := created.Add(90 * time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") != "user-1" {
			t.Errorf("expected X-User-ID header, got: %q", r.Header.Get("X-User-ID"))
		}
		json.NewEncoder(w).Encode(api.SessionSummary{
			ID:               "sess-done",
			Status:           "partially_failed",
			ModelName:        "gpt-4o-mini",
			Progress:         api.SessionProgress{Targets: 3, Completed: 2, Failed: 1},
			FailedMarkets:    map[string]string{"m-2": "provider timeout"},
			RecoveryAttempts: 1,
			CreatedAt:        created,
			UpdatedAt:        finished,
			CompletedAt:      &finished,
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("user", "user-1")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "sess-done"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	for _, want := range []string{"partially_failed", "Failed markets:", "m-2: provider timeout", "Recovered:", "1m 30s"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_MissingCredentials(t *testing.T) {
	resetViper()

	viper.Set("url", "http://localhost:6161")
	viper.Set("token", "")
	viper.Set("user", "")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status", "sess-123"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "Credentials not found") {
		t.Errorf("expected credentials error message, got: %s", stdout.String())
	}
}

func TestStatusCommand_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"not found", http.StatusNotFound, `{"error":"Session not found"}`, "Session not found (status 404)"},
		{"server error", http.StatusInternalServerError, "", "(status 500)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			viper.Set("url", server.URL)
			viper.Set("token", "test-token")

			var stdout bytes.Buffer
			rootCmd.SetOut(&stdout)
			rootCmd.SetErr(&stdout)
			rootCmd.SetArgs([]string{"status", "sess-x"})

			if err := rootCmd.Execute(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			output := stdout.String()
			if !strings.Contains(output, "Failed to get session") || !strings.Contains(output, tt.want) {
				t.Errorf("expected %q in output, got: %s", tt.want, output)
			}
		})
	}
}

func TestStatusCommand_RequiresSessionIDArgument(t *testing.T) {
	resetViper()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"status"})

	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when session ID is missing")
	}
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"completed", "✓"},
		{"failed", "✗"},
		{"abandoned", "✗"},
		{"partially_failed", "!"},
		{"in_progress", "⏳"},
		{"pending", "◯"},
		{"unknown", "•"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := statusIcon(tt.status); !strings.Contains(got, tt.want) {
				t.Errorf("statusIcon(%q) = %q, want it to contain %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestRelativeTime(t *testing.T) {
	tests := []struct {
		name string
		ago  time.Duration
		want string
	}{
		{"seconds", 30 * time.Second, "30s"},
		{"minutes", 5*time.Minute + time.Second, "5m"},
		{"hours", 3*time.Hour + time.Second, "3h"},
		{"one day", 25 * time.Hour, "1 day"},
		{"days", 72*time.Hour + time.Minute, "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := relativeTime(time.Now().Add(-tt.ago)); got != tt.want {
				t.Errorf("relativeTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatDuration(tt.d); got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}
