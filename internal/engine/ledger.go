package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ActionStatus is the commit state of a staged action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionInFlight ActionStatus = "in-flight"
	ActionSuccess  ActionStatus = "success"
	ActionFailure  ActionStatus = "failure"
)

// StagedAction is a proposed operation on a resource awaiting commit.
type StagedAction struct {
	ID     string       `json:"id"`
	Path   string       `json:"path"`
	Action string       `json:"action"`
	Bytes  int64        `json:"bytes"`
	Status ActionStatus `json:"status"`
	Marker string       `json:"marker,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Ledger is the ordered set of staged actions. Order is insertion order and
// survives removal. Ledger is not safe for concurrent use.
type Ledger struct {
	entries []*StagedAction
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends a as pending and returns the stored copy. An empty ID is
// replaced with a fresh UUID.
func (l *Ledger) Add(a StagedAction) (StagedAction, error) {
	if strings.TrimSpace(a.Path) == "" {
		return StagedAction{}, fmt.Errorf("%w: path is required", ErrInvalidAction)
	}
	if a.Bytes < 0 {
		return StagedAction{}, fmt.Errorf("%w: bytes must not be negative", ErrInvalidAction)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	} else if l.find(a.ID) >= 0 {
		return StagedAction{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidAction, a.ID)
	}
	a.Status = ActionPending
	a.Marker = ""
	a.Error = ""

	entry := a
	l.entries = append(l.entries, &entry)
	return entry, nil
}

// Remove deletes the entry at index.
func (l *Ledger) Remove(index int) (StagedAction, error) {
	if index < 0 || index >= len(l.entries) {
		return StagedAction{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, index, len(l.entries))
	}
	return l.removeAt(index)
}

// RemoveID deletes the entry with the given ID. Unlike Remove it is not
// affected by concurrent inserts or removals shifting positions.
func (l *Ledger) RemoveID(id string) (StagedAction, error) {
	i := l.find(id)
	if i < 0 {
		return StagedAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return l.removeAt(i)
}

func (l *Ledger) removeAt(i int) (StagedAction, error) {
	entry := l.entries[i]
	if entry.Status == ActionInFlight {
		return StagedAction{}, fmt.Errorf("%w: %s", ErrActionInFlight, entry.Path)
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return *entry, nil
}

// TotalBytes sums Bytes over the current entries.
func (l *Ledger) TotalBytes() int64 {
	var total int64
	for _, e := range l.entries {
		total += e.Bytes
	}
	return total
}

// Reset removes every entry.
func (l *Ledger) Reset() {
	l.entries = nil
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Entries returns a copy of the entries in order.
func (l *Ledger) Entries() []StagedAction {
	out := make([]StagedAction, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// MarkPath sets the marker on every entry whose path matches and returns
// how many were updated.
func (l *Ledger) MarkPath(path, marker string) int {
	n := 0
	for _, e := range l.entries {
		if e.Path == path {
			e.Marker = marker
			n++
		}
	}
	return n
}

// pending returns the live pending entries in order.
func (l *Ledger) pending() []*StagedAction {
	var out []*StagedAction
	for _, e := range l.entries {
		if e.Status == ActionPending {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) find(id string) int {
	for i, e := range l.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
