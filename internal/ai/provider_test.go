package ai

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"transient", &TransientError{Provider: "x", StatusCode: 502, Err: errors.New("bad gateway")}, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("invalid model"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cause := errors.New("boom")
	if err := classify("p", 500, cause); !IsTransient(err) || !errors.Is(err, cause) {
		t.Errorf("500 should be transient and wrap cause: %v", err)
	}
	if err := classify("p", 422, cause); IsTransient(err) {
		t.Errorf("422 should be terminal: %v", err)
	}
}

type stubProvider struct {
	name  string
	calls atomic.Int32
}

func (s *stubProvider) Predict(ctx context.Context, model, prompt string) (string, error) {
	s.calls.Add(1)
	return s.name, nil
}

func TestRouter(t *testing.T) {
	openai := &stubProvider{name: "openai"}
	gemini := &stubProvider{name: "gemini"}
	flash := &stubProvider{name: "flash"}

	r := NewRouter(openai)
	r.Handle("gemini", gemini)
	r.Handle("gemini-2.0-flash", flash)

	tests := map[string]string{
		"gpt-4o-mini":          "openai",
		"gemini-1.5-pro":       "gemini",
		"gemini-2.0-flash-001": "flash",
	}
	for model, want := range tests {
		got, err := r.Predict(context.Background(), model, "p")
		if err != nil {
			t.Fatalf("Predict(%s) failed: %v", model, err)
		}
		if got != want {
			t.Errorf("Predict(%s) routed to %s, want %s", model, got, want)
		}
	}
}

func TestRouter_NoFallback(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Predict(context.Background(), "gpt-4o", "p"); err == nil {
		t.Fatal("expected error for unrouted model")
	}
}

func TestRateLimited(t *testing.T) {
	next := &stubProvider{name: "ok"}
	limited := NewRateLimited(next, 1)

	if _, err := limited.Predict(context.Background(), "m", "p"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := limited.Predict(ctx, "m", "p"); err == nil {
		t.Fatal("second call within the same second should be rejected by the deadline")
	}
	if got := next.calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}

func TestRateLimited_Disabled(t *testing.T) {
	next := &stubProvider{name: "ok"}
	limited := NewRateLimited(next, 0)
	for i := 0; i < 50; i++ {
		if _, err := limited.Predict(context.Background(), "m", "p"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
}
