package handlers

import (
	"github.com/lyallcooper/sweeper/internal/db"
	"github.com/lyallcooper/sweeper/internal/engine"
)

// ScanView extends a scan snapshot with display strings.
type ScanView struct {
	engine.ScanSnapshot
	BytesHuman   string `json:"bytes_human"`
	ElapsedHuman string `json:"elapsed_human"`
}

// ActionView extends a staged action with display strings.
type ActionView struct {
	engine.StagedAction
	BytesHuman string `json:"bytes_human"`
}

// StagingView is the ledger as served to clients.
type StagingView struct {
	Actions         []ActionView         `json:"actions"`
	TotalBytes      int64                `json:"total_bytes"`
	TotalBytesHuman string               `json:"total_bytes_human"`
	CommitInFlight  bool                 `json:"commit_in_flight"`
	LastCommit      *engine.CommitResult `json:"last_commit,omitempty"`
}

// StateView is the full engine state as served to clients.
type StateView struct {
	Scan    ScanView    `json:"scan"`
	Staging StagingView `json:"staging"`
}

// ScanRunView extends ScanRun with display strings.
type ScanRunView struct {
	*db.ScanRun
	BytesHuman string `json:"bytes_human"`
	Duration   string `json:"duration,omitempty"`
}

// CommitView extends Commit with display strings.
type CommitView struct {
	*db.Commit
	BytesHuman string `json:"bytes_human"`
	Duration   string `json:"duration,omitempty"`
}

// Page is one page of a history listing.
type Page[T any] struct {
	Items      []T  `json:"items"`
	HasMore    bool `json:"has_more"`
	NextOffset int  `json:"next_offset,omitempty"`
}

func toScanView(s engine.ScanSnapshot) ScanView {
	return ScanView{
		ScanSnapshot: s,
		BytesHuman:   formatBytes(s.Totals.Bytes),
		ElapsedHuman: formatDuration(s.Elapsed),
	}
}

func toActionView(a engine.StagedAction) ActionView {
	return ActionView{StagedAction: a, BytesHuman: formatBytes(a.Bytes)}
}

func toStagingView(s engine.StagingSnapshot) StagingView {
	actions := make([]ActionView, len(s.Actions))
	for i, a := range s.Actions {
		actions[i] = toActionView(a)
	}
	return StagingView{
		Actions:         actions,
		TotalBytes:      s.TotalBytes,
		TotalBytesHuman: formatBytes(s.TotalBytes),
		CommitInFlight:  s.CommitInFlight,
		LastCommit:      s.LastCommit,
	}
}

func toStateView(s engine.Snapshot) StateView {
	return StateView{
		Scan:    toScanView(s.Scan),
		Staging: toStagingView(s.Staging),
	}
}

func toScanRunView(run *db.ScanRun) ScanRunView {
	view := ScanRunView{ScanRun: run, BytesHuman: formatBytes(run.Bytes)}
	if run.CompletedAt != nil {
		view.Duration = formatDuration(run.CompletedAt.Sub(run.StartedAt))
	}
	return view
}

func toCommitView(c *db.Commit) CommitView {
	view := CommitView{Commit: c, BytesHuman: formatBytes(c.Bytes)}
	if c.ResolvedAt != nil {
		view.Duration = formatDuration(c.ResolvedAt.Sub(c.SubmittedAt))
	}
	return view
}
