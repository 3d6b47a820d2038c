package orders

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to routing", StatusPending, StatusRouting, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to building skips a stage", StatusPending, StatusBuilding, false},
		{"routing to building", StatusRouting, StatusBuilding, true},
		{"building to submitted", StatusBuilding, StatusSubmitted, true},
		{"submitted to confirmed", StatusSubmitted, StatusConfirmed, true},
		{"submitted to failed", StatusSubmitted, StatusFailed, true},
		{"confirmed is terminal", StatusConfirmed, StatusRouting, false},
		{"failed is terminal", StatusFailed, StatusRouting, false},
		{"same status is idempotent no-op", StatusRouting, StatusRouting, true},
		{"backwards move rejected", StatusBuilding, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusConfirmed, StatusFailed} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestAppendLogTruncatesBeyondCap(t *testing.T) {
	o := &Order{}
	now := time.Now()
	for i := 0; i < maxLogEntries+10; i++ {
		appendLog(o, LogEntry{Stage: "step", Timestamp: now})
	}
	entries := o.Logs()
	if len(entries) != maxLogEntries {
		t.Fatalf("len(entries) = %d, want %d", len(entries), maxLogEntries)
	}
	if entries[0].Stage != "truncated" {
		t.Fatalf("entries[0].Stage = %q, want %q", entries[0].Stage, "truncated")
	}
}

func TestQuotesRoundTrip(t *testing.T) {
	o := &Order{}
	in := map[string]string{"EXCH1": "99.5", "EXCH2": "100.1"}
	o.SetQuotes(in)
	got := o.Quotes()
	if len(got) != len(in) || got["EXCH1"] != "99.5" || got["EXCH2"] != "100.1" {
		t.Fatalf("Quotes() = %v, want %v", got, in)
	}
}
