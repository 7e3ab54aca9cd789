package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusInitializing, StatusRunning, true},
		{StatusInitializing, StatusInitializationFailed, true},
		{StatusInitializationFailed, StatusRunning, true},
		{StatusRunning, StatusFinished, true},
		{StatusRunning, StatusExecutionFailed, true},
		{StatusRunning, StatusKilled, true},

		{StatusRunning, StatusInitializing, false},
		{StatusInitializing, StatusFinished, false},
		{StatusInitializing, StatusExecutionFailed, false},
		{StatusInitializing, StatusKilled, false},
		{StatusRunning, StatusRunning, false},
		{StatusFinished, StatusRunning, false},
		{StatusKilled, StatusFinished, false},
		{StatusExecutionFailed, StatusRunning, false},
		{"bogus", StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminalAndReplayable(t *testing.T) {
	for _, s := range []string{StatusFinished, StatusExecutionFailed, StatusKilled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
		if Replayable(s) {
			t.Errorf("Replayable(%q) = true, want false", s)
		}
	}
	for _, s := range []string{StatusInitializing, StatusInitializationFailed} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
		if !Replayable(s) {
			t.Errorf("Replayable(%q) = false, want true", s)
		}
	}
	if IsTerminal(StatusRunning) || Replayable(StatusRunning) {
		t.Error("Running must be neither terminal nor replayable")
	}
}

func TestWorkers(t *testing.T) {
	procs := []ExecutionProcess{
		{ExecutionID: "a", PID: 10, IsExecution: false},
		{ExecutionID: "a", PID: 11, IsExecution: true},
	}
	got := Workers(procs)
	if len(got) != 1 || got[0].PID != 11 {
		t.Errorf("Workers() = %+v, want only pid 11", got)
	}
	if Workers(nil) != nil {
		t.Error("Workers(nil) should be nil")
	}
}
