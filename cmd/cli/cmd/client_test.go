package cmd

import (
	"encoding/json"
	"errors"
	"forecastplane/pkg/api"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// resetViper clears viper config between tests for isolation
func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("FORECASTPLANE")
	viper.AutomaticEnv()
}

// resetFlags restores command flag defaults, which cobra keeps between Execute calls.
func resetFlags(t *testing.T) {
	t.Helper()
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if err := f.Value.Set(f.DefValue); err != nil {
				t.Fatalf("reset flag %s: %v", f.Name, err)
			}
			f.Changed = false
		})
	}
}

func TestPredictionClient_Headers(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		user     string
		wantAuth string
		wantUser string
	}{
		{"token only", "secret", "", "Bearer secret", ""},
		{"user only", "", "u-1", "", "u-1"},
		{"both", "secret", "u-1", "Bearer secret", "u-1"},
		{"none", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotUser string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotUser = r.Header.Get("X-User-ID")
				json.NewEncoder(w).Encode(api.RecoverResponse{Accepted: true})
			}))
			defer server.Close()

			if _, err := NewPredictionClient(server.URL, tt.token, tt.user).Recover(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotAuth != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", gotAuth, tt.wantAuth)
			}
			if gotUser != tt.wantUser {
				t.Errorf("X-User-ID = %q, want %q", gotUser, tt.wantUser)
			}
		})
	}
}

func TestPredictionClient_Trigger_SendsBody(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/internal/predictions/trigger" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		json.NewEncoder(w).Encode(api.TriggerResponse{Accepted: true, SessionID: "s-1", Targets: 3})
	}))
	defer server.Close()

	top, days := 5, 0
	resp, err := NewPredictionClient(server.URL, "secret", "").Trigger(api.TriggerRequest{
		TopMarketsCount:   &top,
		TargetDaysFromNow: &days,
		BalanceCategories: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SessionID != "s-1" || resp.Targets != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}

	want := map[string]any{
		"topMarketsCount":   float64(5),
		"targetDaysFromNow": float64(0),
		"balanceCategories": true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictionClient_ListSessions_Query(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		before string
		want   string
	}{
		{"defaults", 0, "", ""},
		{"limit", 10, "", "limit=10"},
		{"cursor", 5, "2026-01-02T03:04:05Z", "before=2026-01-02T03%3A04%3A05Z&limit=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.RawQuery
				json.NewEncoder(w).Encode(api.ListSessionsResponse{})
			}))
			defer server.Close()

			if _, err := NewPredictionClient(server.URL, "secret", "").ListSessions(tt.limit, tt.before); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("query = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPredictionClient_APIError(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"json error", `{"error":"Session not found"}`, "Session not found"},
		{"plain text", "Unauthorized\n", "Unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := NewPredictionClient(server.URL, "secret", "").GetSession("s-1")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != http.StatusNotFound {
				t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}
