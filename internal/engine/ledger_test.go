package engine

import (
	"errors"
	"testing"
)

func mustAdd(t *testing.T, l *Ledger, path, action string, bytes int64) StagedAction {
	t.Helper()
	a, err := l.Add(StagedAction{Path: path, Action: action, Bytes: bytes})
	if err != nil {
		t.Fatalf("Add(%s) error: %v", path, err)
	}
	return a
}

func paths(entries []StagedAction) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestLedgerAdd(t *testing.T) {
	l := NewLedger()
	a, err := l.Add(StagedAction{Path: "/a", Action: "delete", Bytes: 100, Status: ActionSuccess, Marker: "x"})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if a.ID == "" {
		t.Error("Add did not assign an ID")
	}
	if a.Status != ActionPending {
		t.Errorf("Status = %q, want pending", a.Status)
	}
	if a.Marker != "" {
		t.Errorf("Marker = %q, want empty", a.Marker)
	}
}

func TestLedgerAddValidation(t *testing.T) {
	tests := []struct {
		name   string
		action StagedAction
	}{
		{"empty path", StagedAction{Path: "", Bytes: 1}},
		{"blank path", StagedAction{Path: "   ", Bytes: 1}},
		{"negative bytes", StagedAction{Path: "/a", Bytes: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			if _, err := l.Add(tt.action); !errors.Is(err, ErrInvalidAction) {
				t.Errorf("Add error = %v, want ErrInvalidAction", err)
			}
			if l.Len() != 0 {
				t.Errorf("Len() = %d, want 0", l.Len())
			}
		})
	}

	l := NewLedger()
	l.Add(StagedAction{ID: "same", Path: "/a"})
	if _, err := l.Add(StagedAction{ID: "same", Path: "/b"}); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("duplicate ID error = %v, want ErrInvalidAction", err)
	}
}

func TestLedgerRemovePreservesOrder(t *testing.T) {
	l := NewLedger()
	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		mustAdd(t, l, p, "delete", 1)
	}

	removed, err := l.Remove(1)
	if err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if removed.Path != "/b" {
		t.Errorf("removed %q, want /b", removed.Path)
	}

	got := paths(l.Entries())
	want := []string{"/a", "/c", "/d"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entries = %v, want %v", got, want)
			break
		}
	}
}

func TestLedgerRemoveOutOfRange(t *testing.T) {
	l := NewLedger()
	mustAdd(t, l, "/a", "delete", 1)

	for _, idx := range []int{-1, 1, 99} {
		if _, err := l.Remove(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Remove(%d) error = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestLedgerRemoveID(t *testing.T) {
	l := NewLedger()
	mustAdd(t, l, "/a", "delete", 1)
	b := mustAdd(t, l, "/b", "archive", 2)
	mustAdd(t, l, "/c", "delete", 3)

	// Removing a position before b does not affect removal by ID.
	l.Remove(0)
	if _, err := l.RemoveID(b.ID); err != nil {
		t.Fatalf("RemoveID error: %v", err)
	}
	if got := paths(l.Entries()); len(got) != 1 || got[0] != "/c" {
		t.Errorf("entries = %v, want [/c]", got)
	}
	if _, err := l.RemoveID(b.ID); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("second RemoveID error = %v, want ErrActionNotFound", err)
	}
}

func TestLedgerRemoveInFlightRejected(t *testing.T) {
	l := NewLedger()
	a := mustAdd(t, l, "/a", "delete", 1)
	l.entries[0].Status = ActionInFlight

	if _, err := l.Remove(0); !errors.Is(err, ErrActionInFlight) {
		t.Errorf("Remove error = %v, want ErrActionInFlight", err)
	}
	if _, err := l.RemoveID(a.ID); !errors.Is(err, ErrActionInFlight) {
		t.Errorf("RemoveID error = %v, want ErrActionInFlight", err)
	}

	// Resolved entries may be removed again.
	l.entries[0].Status = ActionFailure
	if _, err := l.Remove(0); err != nil {
		t.Errorf("Remove resolved entry error: %v", err)
	}
}

func TestLedgerTotalBytes(t *testing.T) {
	l := NewLedger()
	if l.TotalBytes() != 0 {
		t.Errorf("empty TotalBytes = %d", l.TotalBytes())
	}

	ops := []struct {
		add    int64
		remove int
		want   int64
	}{
		{add: 100, remove: -1, want: 100},
		{add: 200, remove: -1, want: 300},
		{add: 50, remove: -1, want: 350},
		{add: 0, remove: 1, want: 150},
		{add: 25, remove: -1, want: 175},
		{add: 0, remove: 0, want: 75},
	}
	for i, op := range ops {
		if op.remove >= 0 {
			if _, err := l.Remove(op.remove); err != nil {
				t.Fatalf("step %d: Remove error: %v", i, err)
			}
		} else {
			mustAdd(t, l, "/p", "delete", op.add)
		}
		if got := l.TotalBytes(); got != op.want {
			t.Errorf("step %d: TotalBytes = %d, want %d", i, got, op.want)
		}
	}
}

func TestLedgerMarkPath(t *testing.T) {
	l := NewLedger()
	mustAdd(t, l, "/a", "delete", 1)
	mustAdd(t, l, "/b", "delete", 1)
	mustAdd(t, l, "/a", "archive", 1)

	if n := l.MarkPath("/a", "done"); n != 2 {
		t.Errorf("MarkPath returned %d, want 2", n)
	}
	for _, e := range l.Entries() {
		want := ""
		if e.Path == "/a" {
			want = "done"
		}
		if e.Marker != want {
			t.Errorf("%s marker = %q, want %q", e.Path, e.Marker, want)
		}
	}
	if n := l.MarkPath("/missing", "done"); n != 0 {
		t.Errorf("MarkPath(/missing) = %d, want 0", n)
	}
}

func TestLedgerEntriesAreCopies(t *testing.T) {
	l := NewLedger()
	mustAdd(t, l, "/a", "delete", 1)

	entries := l.Entries()
	entries[0].Status = ActionSuccess
	if l.Entries()[0].Status != ActionPending {
		t.Error("Entries returned shared state")
	}
}

func TestLedgerReset(t *testing.T) {
	l := NewLedger()
	mustAdd(t, l, "/a", "delete", 1)
	mustAdd(t, l, "/b", "delete", 1)
	l.Reset()
	if l.Len() != 0 || l.TotalBytes() != 0 {
		t.Errorf("after Reset Len=%d TotalBytes=%d", l.Len(), l.TotalBytes())
	}
}
