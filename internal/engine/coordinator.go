package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// defaultMarker is used when a completion event carries no result.
const defaultMarker = "completed"

// CommitStatus is the state of a commit batch.
type CommitStatus string

const (
	CommitInFlight  CommitStatus = "in-flight"
	CommitSucceeded CommitStatus = "succeeded"
	CommitFailed    CommitStatus = "failed"
)

// Batch is a submitted set of actions sharing one correlation id.
type Batch struct {
	CorrelationID string         `json:"correlation_id"`
	Actions       []StagedAction `json:"actions"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

// Bytes sums the bytes of the batch actions.
func (b *Batch) Bytes() int64 {
	var total int64
	for _, a := range b.Actions {
		total += a.Bytes
	}
	return total
}

// CommitResult describes the resolution of a batch.
type CommitResult struct {
	CorrelationID string         `json:"correlation_id"`
	Status        CommitStatus   `json:"status"`
	Summary       string         `json:"summary,omitempty"`
	Error         string         `json:"error,omitempty"`
	Actions       []StagedAction `json:"actions"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	ResolvedAt    time.Time      `json:"resolved_at,omitzero"`
}

// completionRecord is the wire shape of a commit completion event.
type completionRecord struct {
	Path   string `json:"path"`
	Result string `json:"result"`
}

// Coordinator runs commit cycles against a ledger. At most one batch is
// outstanding at a time. The batch request outcome is the authoritative
// status of its actions; completion events only refine their marker.
// Coordinator is not safe for concurrent use.
type Coordinator struct {
	ledger   *Ledger
	inFlight []*StagedAction
	batch    *Batch
	last     *CommitResult
}

// NewCoordinator returns a coordinator for l.
func NewCoordinator(l *Ledger) *Coordinator {
	return &Coordinator{ledger: l}
}

// Prepare collects the pending entries into a batch under id and marks them
// in flight. It returns nil when nothing is pending and ErrCommitInFlight
// when a batch is already outstanding.
func (c *Coordinator) Prepare(id string, now time.Time) (*Batch, error) {
	if c.batch != nil {
		return nil, ErrCommitInFlight
	}
	pending := c.ledger.pending()
	if len(pending) == 0 {
		return nil, nil
	}

	batch := &Batch{CorrelationID: id, SubmittedAt: now}
	for _, e := range pending {
		e.Status = ActionInFlight
		e.Error = ""
		batch.Actions = append(batch.Actions, *e)
	}
	c.inFlight = pending
	c.batch = batch
	c.last = &CommitResult{
		CorrelationID: id,
		Status:        CommitInFlight,
		Actions:       batch.Actions,
		SubmittedAt:   now,
	}
	return batch, nil
}

// Resolve applies the batch outcome to every action that was pending when
// batch id was submitted. It reports false if id is not the outstanding
// batch. Entries removed from the ledger in the meantime (by a reset) are
// updated in the result but no longer visible in the ledger.
func (c *Coordinator) Resolve(id, summary string, err error, now time.Time) (CommitResult, bool) {
	if c.batch == nil || c.batch.CorrelationID != id {
		return CommitResult{}, false
	}

	status, actionStatus, errMsg := CommitSucceeded, ActionSuccess, ""
	if err != nil {
		status, actionStatus, errMsg = CommitFailed, ActionFailure, err.Error()
	}

	actions := make([]StagedAction, len(c.inFlight))
	for i, e := range c.inFlight {
		e.Status = actionStatus
		e.Error = errMsg
		actions[i] = *e
	}

	result := CommitResult{
		CorrelationID: id,
		Status:        status,
		Summary:       summary,
		Error:         errMsg,
		Actions:       actions,
		SubmittedAt:   c.batch.SubmittedAt,
		ResolvedAt:    now,
	}
	c.last = &result
	c.batch = nil
	c.inFlight = nil
	return result, true
}

// Complete handles a completion event payload by updating the marker of
// every ledger entry with the matching path. It returns the number of
// entries updated.
func (c *Coordinator) Complete(payload []byte) (int, error) {
	var rec completionRecord
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, &ParseError{Kind: EventCommitCompleted, Payload: string(payload), Err: errors.New("expected a JSON object")}
	}
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return 0, &ParseError{Kind: EventCommitCompleted, Payload: string(payload), Err: err}
	}
	if rec.Path == "" {
		return 0, &ParseError{Kind: EventCommitCompleted, Payload: string(payload), Err: errors.New(`missing field "path"`)}
	}

	marker := rec.Result
	if marker == "" {
		marker = defaultMarker
	}
	n := c.ledger.MarkPath(rec.Path, marker)
	for _, e := range c.inFlight {
		if e.Path == rec.Path {
			e.Marker = marker
		}
	}
	return n, nil
}

// InFlight reports whether a batch is outstanding.
func (c *Coordinator) InFlight() bool {
	return c.batch != nil
}

// Last returns the most recent batch result, if any.
func (c *Coordinator) Last() *CommitResult {
	if c.last == nil {
		return nil
	}
	r := *c.last
	r.Actions = append([]StagedAction(nil), c.last.Actions...)
	return &r
}
