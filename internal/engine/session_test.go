package engine

import (
	"errors"
	"testing"
	"time"
)

const okProgress = `{"resources":1,"directories":0,"files":1,"size":50}`

func TestNewSessionIsStopped(t *testing.T) {
	s := NewSession()
	snap := s.Snapshot()
	if snap.Status != ScanStopped {
		t.Errorf("Status = %q, want %q", snap.Status, ScanStopped)
	}
	if s.Scanning() {
		t.Error("new session should not be scanning")
	}
}

func TestSessionLifecycle(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewSession()
	s.Begin("scan-1", "/data", start)

	if !s.Scanning() {
		t.Fatal("expected scanning after Begin")
	}
	if err := s.Progress("scan-1", []byte(okProgress)); err != nil {
		t.Fatalf("Progress error: %v", err)
	}

	s.Tick(start.Add(250 * time.Millisecond))
	if got := s.Snapshot().Elapsed; got != 250*time.Millisecond {
		t.Errorf("Elapsed = %v, want 250ms", got)
	}

	if !s.Settle("scan-1", nil, start.Add(time.Second)) {
		t.Fatal("Settle returned false for active scan")
	}
	snap := s.Snapshot()
	if snap.Status != ScanCompleted {
		t.Errorf("Status = %q, want %q", snap.Status, ScanCompleted)
	}
	if snap.Totals.Files != 1 || snap.Totals.Bytes != 50 {
		t.Errorf("Totals = %+v", snap.Totals)
	}

	// Elapsed is frozen once the session leaves scanning.
	s.Tick(start.Add(time.Hour))
	if got := s.Snapshot().Elapsed; got != 250*time.Millisecond {
		t.Errorf("Elapsed after completion = %v, want frozen at 250ms", got)
	}
}

func TestSessionFailureKeepsCounters(t *testing.T) {
	now := time.Now()
	s := NewSession()
	s.Begin("scan-1", "/data", now)
	s.Progress("scan-1", []byte(okProgress))

	backendErr := errors.New("permission denied")
	s.Settle("scan-1", backendErr, now)

	snap := s.Snapshot()
	if snap.Status != ScanFailed {
		t.Errorf("Status = %q, want %q", snap.Status, ScanFailed)
	}
	if snap.Error != backendErr.Error() {
		t.Errorf("Error = %q, want %q", snap.Error, backendErr.Error())
	}
	if snap.Totals.Resources != 1 {
		t.Errorf("Totals.Resources = %d, want 1 (kept for diagnostics)", snap.Totals.Resources)
	}
}

func TestSessionDiscardsStaleEvents(t *testing.T) {
	now := time.Now()
	s := NewSession()
	s.Begin("old", "/data", now)
	s.Begin("new", "/data", now)

	if err := s.Progress("old", []byte(okProgress)); !errors.Is(err, ErrStaleEvent) {
		t.Errorf("Progress(old) error = %v, want ErrStaleEvent", err)
	}
	if got := s.Snapshot().Totals; got != (Totals{}) {
		t.Errorf("stale event altered totals: %+v", got)
	}

	if s.Settle("old", nil, now) {
		t.Error("Settle(old) should be ignored")
	}
	if !s.Scanning() {
		t.Error("stale settlement changed status")
	}
}

func TestSessionIgnoresEventsAfterSettle(t *testing.T) {
	now := time.Now()
	s := NewSession()
	s.Begin("scan-1", "/data", now)
	s.Settle("scan-1", nil, now)

	if err := s.Progress("scan-1", []byte(okProgress)); !errors.Is(err, ErrStaleEvent) {
		t.Errorf("Progress after settle error = %v, want ErrStaleEvent", err)
	}
	if s.Settle("scan-1", errors.New("late"), now) {
		t.Error("second Settle should be ignored")
	}
	if s.Snapshot().Status != ScanCompleted {
		t.Errorf("Status = %q, want completed", s.Snapshot().Status)
	}
}

func TestSessionMalformedCountsDropped(t *testing.T) {
	s := NewSession()
	s.Begin("scan-1", "/data", time.Now())

	var perr *ParseError
	if err := s.Progress("scan-1", []byte("{not json")); !errors.As(err, &perr) {
		t.Fatalf("Progress error = %v, want *ParseError", err)
	}
	if !s.Scanning() {
		t.Error("malformed payload must not change status")
	}
	snap := s.Snapshot()
	if snap.Dropped != 1 || snap.LogLength != 0 {
		t.Errorf("Dropped = %d, LogLength = %d, want 1, 0", snap.Dropped, snap.LogLength)
	}
}

func TestBeginResetsFromAnyState(t *testing.T) {
	now := time.Now()
	for _, final := range []error{nil, errors.New("boom")} {
		s := NewSession()
		s.Begin("a", "/x", now)
		s.Progress("a", []byte(okProgress))
		s.Progress("a", []byte("bad"))
		s.Tick(now.Add(time.Second))
		s.Settle("a", final, now.Add(time.Second))

		later := now.Add(time.Minute)
		s.Begin("b", "/y", later)
		snap := s.Snapshot()
		if snap.Status != ScanScanning {
			t.Errorf("Status = %q, want scanning", snap.Status)
		}
		if snap.Totals != (Totals{}) || snap.LogLength != 0 || snap.Dropped != 0 {
			t.Errorf("counters not reset: %+v", snap)
		}
		if snap.Elapsed != 0 {
			t.Errorf("Elapsed = %v, want 0", snap.Elapsed)
		}
		if snap.Error != "" {
			t.Errorf("Error = %q, want empty", snap.Error)
		}
		if !snap.StartedAt.Equal(later) || snap.Path != "/y" || snap.CorrelationID != "b" {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	}
}
