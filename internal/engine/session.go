package engine

import (
	"time"
)

// ScanStatus is the lifecycle state of a scan session.
type ScanStatus string

const (
	ScanStopped   ScanStatus = "stopped"
	ScanScanning  ScanStatus = "scanning"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// ScanSnapshot is a point-in-time copy of a session.
type ScanSnapshot struct {
	Status        ScanStatus    `json:"status"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Path          string        `json:"path,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	CompletedAt   time.Time     `json:"completed_at,omitzero"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	Totals        Totals        `json:"totals"`
	LogLength     int           `json:"log_length"`
	Dropped       int           `json:"dropped"`
	Error         string        `json:"error,omitempty"`
}

// Session is the state machine for one scan at a time. Starting a new scan
// supersedes the previous one; its late events and settlement are ignored.
// Session is not safe for concurrent use.
type Session struct {
	status        ScanStatus
	correlationID string
	path          string
	startedAt     time.Time
	completedAt   time.Time
	elapsed       time.Duration
	agg           Aggregator
	dropped       int
	err           error
}

// NewSession returns a stopped session.
func NewSession() *Session {
	return &Session{status: ScanStopped}
}

// Begin resets the session and enters the scanning state under id.
func (s *Session) Begin(id, path string, now time.Time) {
	s.status = ScanScanning
	s.correlationID = id
	s.path = path
	s.startedAt = now
	s.completedAt = time.Time{}
	s.elapsed = 0
	s.agg.Reset()
	s.dropped = 0
	s.err = nil
}

// Progress folds a progress payload into the totals. Events for any id other
// than the active scanning one return ErrStaleEvent. Undecodable payloads
// return a *ParseError and count as dropped.
func (s *Session) Progress(id string, payload []byte) error {
	if s.status != ScanScanning || id != s.correlationID {
		return ErrStaleEvent
	}
	if err := s.agg.Apply(payload); err != nil {
		s.dropped++
		return err
	}
	return nil
}

// Settle records the outcome of the scan request for id. It reports false
// when id is not the active scan. Counters are kept on failure.
func (s *Session) Settle(id string, err error, now time.Time) bool {
	if s.status != ScanScanning || id != s.correlationID {
		return false
	}
	if err != nil {
		s.status = ScanFailed
		s.err = err
	} else {
		s.status = ScanCompleted
	}
	s.completedAt = now
	return true
}

// Tick recomputes the elapsed time. It is a no-op unless scanning, which
// leaves the last value frozen once the scan ends.
func (s *Session) Tick(now time.Time) {
	if s.status != ScanScanning {
		return
	}
	s.elapsed = now.Sub(s.startedAt)
}

// Scanning reports whether the session is in the scanning state.
func (s *Session) Scanning() bool {
	return s.status == ScanScanning
}

// CorrelationID returns the id of the current or last scan.
func (s *Session) CorrelationID() string {
	return s.correlationID
}

// Log returns accepted raw payloads from offset.
func (s *Session) Log(offset int) []string {
	return s.agg.Log(offset)
}

// Snapshot copies the session state.
func (s *Session) Snapshot() ScanSnapshot {
	snap := ScanSnapshot{
		Status:        s.status,
		CorrelationID: s.correlationID,
		Path:          s.path,
		StartedAt:     s.startedAt,
		CompletedAt:   s.completedAt,
		Elapsed:       s.elapsed,
		Totals:        s.agg.Totals(),
		LogLength:     s.agg.Len(),
		Dropped:       s.dropped,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
