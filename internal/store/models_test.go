package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSessionSets(t *testing.T) {
	s := &Session{
		TargetMarketIDs: []string{"a", "b", "c", "d"},
		FailedMarkets:   map[string]string{},
	}

	if !s.ApplySuccess("b") || s.ApplySuccess("b") {
		t.Fatal("ApplySuccess should report only the first success")
	}
	if !s.ApplyFailure("c", "timeout") || s.ApplyFailure("c", "timeout") {
		t.Fatal("ApplyFailure should report only changed summaries")
	}
	if !s.ApplyFailure("c", "validation") {
		t.Fatal("a new summary should replace the old one")
	}
	if s.ApplyFailure("b", "late") {
		t.Fatal("a completed market must not record a failure")
	}

	if diff := cmp.Diff([]string{"a", "c", "d"}, s.Remaining()); diff != "" {
		t.Errorf("Remaining mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "d"}, s.Unprocessed()); diff != "" {
		t.Errorf("Unprocessed mismatch (-want +got):\n%s", diff)
	}

	s.ApplySuccess("c")
	if _, ok := s.FailedMarkets["c"]; ok {
		t.Error("success must clear the failure entry")
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name      string
		targets   []string
		completed []string
		want      SessionStatus
	}{
		{"empty", nil, nil, SessionStatusCompleted},
		{"all", []string{"a", "b"}, []string{"b", "a"}, SessionStatusCompleted},
		{"some", []string{"a", "b"}, []string{"a"}, SessionStatusPartiallyFailed},
		{"none", []string{"a", "b"}, nil, SessionStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{TargetMarketIDs: tt.targets, CompletedMarketIDs: tt.completed}
			if got := s.FinalStatus(); got != tt.want {
				t.Errorf("FinalStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []SessionStatus{SessionStatusPending, SessionStatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []SessionStatus{SessionStatusCompleted, SessionStatusPartiallyFailed, SessionStatusFailed, SessionStatusAbandoned} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := &Session{
		TargetMarketIDs:    []string{"a"},
		CompletedMarketIDs: []string{},
		FailedMarkets:      map[string]string{"a": "x"},
	}
	c := s.Clone()
	c.FailedMarkets["a"] = "y"
	c.TargetMarketIDs[0] = "z"
	if s.FailedMarkets["a"] != "x" || s.TargetMarketIDs[0] != "a" {
		t.Error("Clone shares state with the original")
	}
}
