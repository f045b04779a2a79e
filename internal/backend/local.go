// Package backend implements the scanner and executor contracts against the
// local filesystem.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyallcooper/sweeper/internal/config"
	"github.com/lyallcooper/sweeper/internal/engine"
)

// Action kinds understood by the executor.
const (
	ActionDelete  = "delete"
	ActionArchive = "archive"
)

// Completion results reported per action.
const (
	ResultDeleted  = "deleted"
	ResultArchived = "archived"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Options configures a Local backend.
type Options struct {
	AllowedPaths []string
	// BatchSize is the number of visited entries per progress event.
	BatchSize int
	// DryRun reports every action as skipped without touching the
	// filesystem.
	DryRun      bool
	EventBuffer int
	Logger      *slog.Logger
}

// Local scans and modifies the local filesystem. Progress and completion
// events are delivered on Events.
type Local struct {
	allowed   []string
	batchSize int
	dryRun    bool
	events    chan engine.Event
	logger    *slog.Logger
}

// NewLocal creates a local backend.
func NewLocal(opts Options) *Local {
	batch := opts.BatchSize
	if batch < 1 {
		batch = 256
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		allowed:   opts.AllowedPaths,
		batchSize: batch,
		dryRun:    opts.DryRun,
		events:    make(chan engine.Event, buf),
		logger:    logger.With("component", "backend"),
	}
}

// Events returns the backend event stream. It is never closed.
func (l *Local) Events() <-chan engine.Event {
	return l.events
}

type progress struct {
	Resources   int64 `json:"resources"`
	Directories int64 `json:"directories"`
	Files       int64 `json:"files"`
	Size        int64 `json:"size"`
}

type completion struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Scan walks path without following symlinks and emits progress counters
// every BatchSize entries and once more at the end. Unreadable
// sub-directories are skipped.
func (l *Local) Scan(ctx context.Context, correlationID, path string) error {
	root, err := l.checkPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(root); err != nil {
		return fmt.Errorf("cannot scan %s: %w", root, err)
	}

	var (
		batch   progress
		pending int
	)
	flush := func() error {
		if pending == 0 {
			return nil
		}
		err := l.emit(ctx, engine.EventScanProgress, correlationID, batch)
		batch, pending = progress{}, 0
		return err
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			l.logger.Warn("skipping unreadable path", "path", p, "error", walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		batch.Resources++
		switch {
		case d.IsDir():
			batch.Directories++
		case d.Type().IsRegular():
			batch.Files++
			if info, err := d.Info(); err == nil {
				batch.Size += info.Size()
			}
		}

		pending++
		if pending >= l.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}
	return flush()
}

// Commit validates the whole batch, then executes the actions in order.
// Per-action failures are reported through completion events and the
// summary; only an invalid batch fails the request.
func (l *Local) Commit(ctx context.Context, correlationID string, batch []engine.StagedAction) (string, error) {
	for _, a := range batch {
		if a.Action != ActionDelete && a.Action != ActionArchive {
			return "", fmt.Errorf("unsupported action %q for %s", a.Action, a.Path)
		}
		if _, err := l.checkPath(a.Path); err != nil {
			return "", err
		}
	}

	var succeeded, failed int
	for _, a := range batch {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		c := completion{Path: a.Path, Action: a.Action}
		if l.dryRun {
			c.Result = ResultSkipped
		} else if result, err := l.apply(a); err != nil {
			c.Result = ResultFailed
			c.Error = err.Error()
			failed++
			l.logger.Warn("action failed", "correlation_id", correlationID, "path", a.Path, "action", a.Action, "error", err)
		} else {
			c.Result = result
			succeeded++
		}

		if err := l.emit(ctx, engine.EventCommitCompleted, correlationID, c); err != nil {
			return "", err
		}
	}

	if l.dryRun {
		return fmt.Sprintf("dry run: %d skipped", len(batch)), nil
	}
	return fmt.Sprintf("%d succeeded, %d failed", succeeded, failed), nil
}

func (l *Local) apply(a engine.StagedAction) (string, error) {
	path := filepath.Clean(a.Path)
	if _, err := os.Lstat(path); err != nil {
		return "", err
	}
	switch a.Action {
	case ActionDelete:
		if err := os.RemoveAll(path); err != nil {
			return "", err
		}
		return ResultDeleted, nil
	case ActionArchive:
		if err := archive(path); err != nil {
			return "", err
		}
		return ResultArchived, nil
	}
	return "", fmt.Errorf("unsupported action %q", a.Action)
}

func (l *Local) checkPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	clean := filepath.Clean(path)
	if !config.IsPathAllowed(l.allowed, clean) {
		return "", fmt.Errorf("path %s is outside the allowed paths", clean)
	}
	return clean, nil
}

func (l *Local) emit(ctx context.Context, kind engine.EventKind, correlationID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case l.events <- engine.Event{Kind: kind, CorrelationID: correlationID, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
