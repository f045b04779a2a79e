package db

import (
	"github.com/lyallcooper/sweeper/internal/engine"
)

var _ engine.Journal = (*DB)(nil)

// ScanStarted implements engine.Journal.
func (db *DB) ScanStarted(s engine.ScanSnapshot) error {
	_, err := db.CreateScanRun(s.CorrelationID, s.Path, s.StartedAt)
	return err
}

// ScanFinished implements engine.Journal.
func (db *DB) ScanFinished(s engine.ScanSnapshot) error {
	r := ScanRunResult{
		Status:      ScanRunStatusCompleted,
		Resources:   s.Totals.Resources,
		Directories: s.Totals.Directories,
		Files:       s.Totals.Files,
		Bytes:       s.Totals.Bytes,
		Dropped:     s.Dropped,
		CompletedAt: s.CompletedAt,
	}
	if s.Status == engine.ScanFailed {
		r.Status = ScanRunStatusFailed
		r.Error = optional(s.Error)
	}
	return db.CompleteScanRun(s.CorrelationID, r)
}

// CommitSubmitted implements engine.Journal.
func (db *DB) CommitSubmitted(b engine.Batch) error {
	_, err := db.CreateCommit(b.CorrelationID, b.SubmittedAt, commitActions(b.Actions))
	return err
}

// CommitResolved implements engine.Journal.
func (db *DB) CommitResolved(r engine.CommitResult) error {
	status := CommitStatusSucceeded
	if r.Status == engine.CommitFailed {
		status = CommitStatusFailed
	}
	return db.ResolveCommit(r.CorrelationID, CommitOutcome{
		Status:     status,
		Summary:    optional(r.Summary),
		Error:      optional(r.Error),
		ResolvedAt: r.ResolvedAt,
		Actions:    commitActions(r.Actions),
	})
}

func commitActions(actions []engine.StagedAction) []*CommitAction {
	out := make([]*CommitAction, len(actions))
	for i, a := range actions {
		out[i] = &CommitAction{
			ActionID:     a.ID,
			Path:         a.Path,
			Action:       a.Action,
			Bytes:        a.Bytes,
			Status:       string(a.Status),
			Marker:       a.Marker,
			ErrorMessage: optional(a.Error),
		}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
