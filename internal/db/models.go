package db

import (
	"time"
)

// ScanRunStatus represents the status of a scan run
type ScanRunStatus string

const (
	ScanRunStatusRunning     ScanRunStatus = "running"
	ScanRunStatusCompleted   ScanRunStatus = "completed"
	ScanRunStatusFailed      ScanRunStatus = "failed"
	ScanRunStatusSuperseded  ScanRunStatus = "superseded"
	ScanRunStatusInterrupted ScanRunStatus = "interrupted"
)

// ScanRun represents a single scan session
type ScanRun struct {
	ID            int64         `json:"id"`
	CorrelationID string        `json:"correlation_id"`
	Path          string        `json:"path"`
	Status        ScanRunStatus `json:"status"`
	Resources     int64         `json:"resources"`
	Directories   int64         `json:"directories"`
	Files         int64         `json:"files"`
	Bytes         int64         `json:"bytes"`
	Dropped       int           `json:"dropped"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage  *string       `json:"error,omitempty"`
}

// CommitStatus represents the status of a commit batch
type CommitStatus string

const (
	CommitStatusInFlight    CommitStatus = "in-flight"
	CommitStatusSucceeded   CommitStatus = "succeeded"
	CommitStatusFailed      CommitStatus = "failed"
	CommitStatusInterrupted CommitStatus = "interrupted"
)

// Commit represents a submitted batch of staged actions
type Commit struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Status        CommitStatus    `json:"status"`
	ActionCount   int             `json:"action_count"`
	Bytes         int64           `json:"bytes"`
	Summary       *string         `json:"summary,omitempty"`
	ErrorMessage  *string         `json:"error,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Actions       []*CommitAction `json:"actions,omitempty"` // Only populated by GetCommit
}

// CommitAction is one action of a commit batch
type CommitAction struct {
	ID           int64   `json:"-"`
	CommitID     int64   `json:"-"`
	ActionID     string  `json:"id"`
	Path         string  `json:"path"`
	Action       string  `json:"action"`
	Bytes        int64   `json:"bytes"`
	Status       string  `json:"status"`
	Marker       string  `json:"marker,omitempty"`
	ErrorMessage *string `json:"error,omitempty"`
}

// Stats aggregates the history for the dashboard
type Stats struct {
	ScanRuns       int   `json:"scan_runs"`
	Commits        int   `json:"commits"`
	ActionsApplied int   `json:"actions_applied"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
}
