package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"forecastplane/internal/batch"
	"forecastplane/internal/controller/handlers"
	"forecastplane/internal/logger"
	"forecastplane/internal/prediction"
	"forecastplane/internal/selector"
	"forecastplane/internal/store/storetest"
	"forecastplane/pkg/api"
)

const testSecret = "cron-secret"

type fixedSelector []string

func (f fixedSelector) SelectCandidates(ctx context.Context, c selector.Constraints) ([]string, error) {
	return f, nil
}

type countingKicker struct{ n int }

func (k *countingKicker) Kick() { k.n++ }

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *countingKicker, *storetest.Memory) {
	t.Helper()
	mem := storetest.NewMemory()
	tracker := prediction.NewTracker(mem, prediction.TrackerConfig{}, logger.Discard())
	svc := batch.New(mem, fixedSelector{"m1", "m2"}, tracker, "gpt-4o-mini", logger.Discard())
	kicker := &countingKicker{}

	h := handlers.New(svc, kicker, okPinger{}, logger.Discard())
	srv := httptest.NewServer(NewRouter(Config{CronSecret: testSecret, StatusRateLimit: 100, StatusRateBurst: 100}, h))
	t.Cleanup(srv.Close)
	return srv, kicker, mem
}

func do(t *testing.T, method, url string, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_TriggerRequiresSecret(t *testing.T) {
	srv, _, mem := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/internal/predictions/trigger", map[string]string{"Authorization": "Bearer wrong"}, `{}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if len(mem.Queued()) != 0 {
		t.Error("unauthorized trigger must not queue anything")
	}

	resp = do(t, http.MethodPost, srv.URL+"/internal/predictions/trigger", map[string]string{"Authorization": "Bearer " + testSecret}, `{"ownerId":"user-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var tr api.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatal(err)
	}
	if !tr.Accepted || tr.Targets != 2 || tr.SessionID == "" {
		t.Errorf("unexpected response %+v", tr)
	}
	if len(mem.Queued()) != 1 {
		t.Errorf("queued %d sessions, want 1", len(mem.Queued()))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestRouter_RecoverRequiresSecret(t *testing.T) {
	srv, kicker, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/internal/predictions/recover", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	resp = do(t, http.MethodPost, srv.URL+"/internal/predictions/recover", map[string]string{"Authorization": "Bearer " + testSecret}, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if kicker.n != 1 {
		t.Errorf("kicks = %d, want 1", kicker.n)
	}
}

func TestRouter_StatusIsUserScoped(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/internal/predictions/trigger", map[string]string{"Authorization": "Bearer " + testSecret}, `{"ownerId":"alice"}`)
	var tr api.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "owner", headers: map[string]string{"X-User-ID": "alice"}, wantStatus: http.StatusOK},
		{name: "operator", headers: map[string]string{"Authorization": "Bearer " + testSecret}, wantStatus: http.StatusOK},
		{name: "other user", headers: map[string]string{"X-User-ID": "bob"}, wantStatus: http.StatusNotFound},
		{name: "anonymous", headers: nil, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodGet, srv.URL+"/sessions/"+tr.SessionID, tt.headers, "")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	resp = do(t, http.MethodGet, srv.URL+"/sessions", map[string]string{"X-User-ID": "bob"}, "")
	var list api.ListSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 0 {
		t.Errorf("bob should see no sessions, got %d", len(list.Sessions))
	}
}

func TestRouter_Probes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := do(t, http.MethodGet, srv.URL+path, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: got status %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}
