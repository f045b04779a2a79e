package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/lyallcooper/sweeper/internal/engine"
)

func newTestLocal(opts Options) *Local {
	opts.EventBuffer = 4096
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLocal(opts)
}

// drain returns every event currently buffered.
func drain(l *Local) []engine.Event {
	var out []engine.Event
	for {
		select {
		case ev := <-l.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// sumProgress folds progress events through the engine aggregator.
func sumProgress(t *testing.T, events []engine.Event, id string) engine.Totals {
	t.Helper()
	var agg engine.Aggregator
	for _, ev := range events {
		if ev.Kind != engine.EventScanProgress {
			t.Errorf("unexpected event kind %q", ev.Kind)
			continue
		}
		if ev.CorrelationID != id {
			t.Errorf("event correlation id = %q, want %q", ev.CorrelationID, id)
		}
		if err := agg.Apply(ev.Payload); err != nil {
			t.Errorf("backend emitted undecodable payload %s: %v", ev.Payload, err)
		}
	}
	return agg.Totals()
}

func TestScanCountsTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), 10)
	writeFile(t, filepath.Join(root, "sub", "b.txt"), 20)
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.txt"), 30)
	if err := os.Symlink(filepath.Join(root, "sub"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	for _, batchSize := range []int{1, 2, 1000} {
		l := newTestLocal(Options{BatchSize: batchSize})
		if err := l.Scan(context.Background(), "scan-1", root); err != nil {
			t.Fatalf("Scan() error: %v", err)
		}
		events := drain(l)

		// root, a.txt, sub, b.txt, deeper, c.txt, link
		want := engine.Totals{Resources: 7, Directories: 3, Files: 3, Bytes: 60}
		if got := sumProgress(t, events, "scan-1"); got != want {
			t.Errorf("batch %d: totals = %+v, want %+v", batchSize, got, want)
		}

		wantEvents := (7 + batchSize - 1) / batchSize
		if len(events) != wantEvents {
			t.Errorf("batch %d: %d events, want %d", batchSize, len(events), wantEvents)
		}
	}
}

func TestScanRejectsPaths(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"blank", "  "},
		{"outside allow-list", other},
		{"missing", filepath.Join(allowed, "nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLocal(Options{AllowedPaths: []string{allowed}})
			if err := l.Scan(context.Background(), "id", tt.path); err == nil {
				t.Error("Scan() succeeded, want error")
			}
			if events := drain(l); len(events) != 0 {
				t.Errorf("emitted %d events for rejected scan", len(events))
			}
		})
	}
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newTestLocal(Options{})
	if err := l.Scan(ctx, "id", root); err == nil {
		t.Error("Scan() with cancelled context succeeded")
	}
}

func decodeCompletions(t *testing.T, events []engine.Event) []completion {
	t.Helper()
	var out []completion
	for _, ev := range events {
		if ev.Kind != engine.EventCommitCompleted {
			t.Errorf("unexpected event kind %q", ev.Kind)
			continue
		}
		var c completion
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			t.Fatalf("bad completion payload %s: %v", ev.Payload, err)
		}
		out = append(out, c)
	}
	return out
}

func TestCommitDeleteAndArchive(t *testing.T) {
	root := t.TempDir()
	doomed := filepath.Join(root, "cache")
	writeFile(t, filepath.Join(doomed, "blob.bin"), 100)
	logs := filepath.Join(root, "logs")
	writeFile(t, filepath.Join(logs, "app.log"), 200)
	writeFile(t, filepath.Join(logs, "old", "app.1.log"), 50)
	missing := filepath.Join(root, "gone")

	l := newTestLocal(Options{AllowedPaths: []string{root}})
	batch := []engine.StagedAction{
		{Path: doomed, Action: ActionDelete},
		{Path: logs, Action: ActionArchive},
		{Path: missing, Action: ActionDelete},
	}
	summary, err := l.Commit(context.Background(), "c1", batch)
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if summary != "2 succeeded, 1 failed" {
		t.Errorf("summary = %q", summary)
	}

	got := decodeCompletions(t, drain(l))
	if len(got) != 3 {
		t.Fatalf("got %d completions, want 3", len(got))
	}
	wantResults := []string{ResultDeleted, ResultArchived, ResultFailed}
	for i, c := range got {
		if c.Path != batch[i].Path || c.Action != batch[i].Action || c.Result != wantResults[i] {
			t.Errorf("completion %d = %+v, want result %s", i, c, wantResults[i])
		}
	}
	if got[2].Error == "" {
		t.Error("failed completion has no error")
	}

	if _, err := os.Stat(doomed); !os.IsNotExist(err) {
		t.Errorf("%s still exists", doomed)
	}
	if _, err := os.Stat(logs); !os.IsNotExist(err) {
		t.Errorf("%s still exists after archive", logs)
	}

	zr, err := zip.OpenReader(logs + ".zip")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"logs/", "logs/app.log", "logs/old/app.1.log"} {
		if !names[want] {
			t.Errorf("archive missing %s (has %v)", want, names)
		}
	}
}

func TestCommitArchiveRefusesExistingTarget(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "report.csv")
	writeFile(t, file, 10)
	writeFile(t, file+".zip", 1)

	l := newTestLocal(Options{})
	summary, err := l.Commit(context.Background(), "c1", []engine.StagedAction{{Path: file, Action: ActionArchive}})
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if summary != "0 succeeded, 1 failed" {
		t.Errorf("summary = %q", summary)
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("original removed despite failed archive: %v", err)
	}
}

func TestCommitArchiveKeepsZipWhenRemovalFails(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "data")
	precious := filepath.Join(dir, "a", "precious.txt")
	locked := filepath.Join(dir, "z", "locked.txt")
	writeFile(t, precious, 10)
	writeFile(t, locked, 10)

	// Remove one file, then fail as an unremovable entry would.
	removeAll = func(path string) error {
		if err := os.Remove(precious); err != nil {
			return err
		}
		return &os.PathError{Op: "unlinkat", Path: locked, Err: os.ErrPermission}
	}
	t.Cleanup(func() { removeAll = os.RemoveAll })

	l := newTestLocal(Options{AllowedPaths: []string{root}})
	summary, err := l.Commit(context.Background(), "c1", []engine.StagedAction{{Path: dir, Action: ActionArchive}})
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if summary != "0 succeeded, 1 failed" {
		t.Errorf("summary = %q", summary)
	}
	got := decodeCompletions(t, drain(l))
	if len(got) != 1 || got[0].Result != ResultFailed || !strings.Contains(got[0].Error, dir+".zip") {
		t.Fatalf("completions = %+v", got)
	}

	zr, err := zip.OpenReader(dir + ".zip")
	if err != nil {
		t.Fatalf("archive deleted after partial removal: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"data/a/precious.txt", "data/z/locked.txt"} {
		if !names[want] {
			t.Errorf("archive missing %s (has %v)", want, names)
		}
	}
}

func TestCommitDryRun(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "keep.txt")
	writeFile(t, file, 10)

	l := newTestLocal(Options{DryRun: true})
	summary, err := l.Commit(context.Background(), "c1", []engine.StagedAction{
		{Path: file, Action: ActionDelete},
		{Path: file, Action: ActionArchive},
	})
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if !strings.Contains(summary, "dry run") {
		t.Errorf("summary = %q", summary)
	}
	for _, c := range decodeCompletions(t, drain(l)) {
		if c.Result != ResultSkipped {
			t.Errorf("result = %q, want skipped", c.Result)
		}
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("dry run touched the filesystem: %v", err)
	}
	if _, err := os.Stat(file + ".zip"); !os.IsNotExist(err) {
		t.Error("dry run created an archive")
	}
}

func TestCommitRejectsInvalidBatch(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.txt")
	writeFile(t, file, 1)

	tests := []struct {
		name  string
		batch []engine.StagedAction
	}{
		{"unknown action", []engine.StagedAction{{Path: file, Action: ActionDelete}, {Path: file, Action: "shred"}}},
		{"outside allow-list", []engine.StagedAction{{Path: "/etc/hosts", Action: ActionDelete}}},
		{"blank path", []engine.StagedAction{{Path: "", Action: ActionDelete}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLocal(Options{AllowedPaths: []string{root}})
			if _, err := l.Commit(context.Background(), "c1", tt.batch); err == nil {
				t.Fatal("Commit() succeeded, want error")
			}
			if events := drain(l); len(events) != 0 {
				t.Errorf("emitted %d events for rejected batch", len(events))
			}
			if _, err := os.Stat(file); err != nil {
				t.Errorf("rejected batch modified the filesystem: %v", err)
			}
		})
	}
}
