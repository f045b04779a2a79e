// Package engine owns the scan session and commit ledger state machines and
// the dispatch loop that drives them from backend events, request
// completions and timer ticks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultTickInterval is how often elapsed time is recomputed while scanning.
const DefaultTickInterval = 100 * time.Millisecond

// Scanner issues scan requests. Scan blocks until the scan has fully
// completed and emits progress events tagged with correlationID meanwhile.
type Scanner interface {
	Scan(ctx context.Context, correlationID, path string) error
}

// Executor executes a commit batch and returns an opaque summary.
type Executor interface {
	Commit(ctx context.Context, correlationID string, batch []StagedAction) (string, error)
}

// Journal receives lifecycle notifications. Calls are made on the engine
// loop and should return quickly.
type Journal interface {
	ScanStarted(s ScanSnapshot) error
	ScanFinished(s ScanSnapshot) error
	CommitSubmitted(b Batch) error
	CommitResolved(r CommitResult) error
}

// Options configures an Engine. Scanner, Executor and Events are the
// backend; the rest is optional.
type Options struct {
	Scanner      Scanner
	Executor     Executor
	Events       <-chan Event
	Journal      Journal
	Logger       *slog.Logger
	TickInterval time.Duration

	// NewID and Now are overridable for tests.
	NewID func() string
	Now   func() time.Time
}

// StagingSnapshot is a copy of the ledger and commit state.
type StagingSnapshot struct {
	Actions        []StagedAction `json:"actions"`
	TotalBytes     int64          `json:"total_bytes"`
	CommitInFlight bool           `json:"commit_in_flight"`
	LastCommit     *CommitResult  `json:"last_commit,omitempty"`
}

// Snapshot is the full observable state of the engine.
type Snapshot struct {
	Scan    ScanSnapshot    `json:"scan"`
	Staging StagingSnapshot `json:"staging"`
}

// Engine serializes all state transitions onto the goroutine running Run.
// Its exported methods are safe for concurrent use.
type Engine struct {
	scanner  Scanner
	executor Executor
	events   <-chan Event
	journal  Journal
	logger   *slog.Logger
	tick     time.Duration
	newID    func() string
	now      func() time.Time

	cmds    chan func()
	done    chan struct{}
	running atomic.Bool

	// Loop-owned state.
	runCtx  context.Context
	session *Session
	ledger  *Ledger
	coord   *Coordinator
	ticker  *time.Ticker

	subMu       sync.RWMutex
	subscribers []chan Snapshot
}

// New creates an engine. Call Run to start processing.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ledger := NewLedger()
	return &Engine{
		scanner:  opts.Scanner,
		executor: opts.Executor,
		events:   opts.Events,
		journal:  opts.Journal,
		logger:   logger.With("component", "engine"),
		tick:     tick,
		newID:    newID,
		now:      now,
		cmds:     make(chan func()),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		session:  NewSession(),
		ledger:   ledger,
		coord:    NewCoordinator(ledger),
	}
}

// Run processes operations and events until ctx is cancelled. Outstanding
// backend requests receive ctx, so cancelling it also stops them.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: Run called more than once")
	}
	defer func() {
		e.stopTicker()
		close(e.done)
		e.closeSubscribers()
	}()

	e.runCtx = ctx

	for {
		var tickC <-chan time.Time
		if e.ticker != nil {
			tickC = e.ticker.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.cmds:
			fn()
		case ev, ok := <-e.events:
			if !ok {
				e.closeEvents()
				continue
			}
			e.handleEvent(ev)
		case <-tickC:
			e.session.Tick(e.now())
			e.broadcast()
		}
		e.syncTicker()
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// StartScan supersedes any current scan, resets counters, log and ledger,
// and issues a scan request for path. The request settles asynchronously.
func (e *Engine) StartScan(ctx context.Context, path string) (ScanSnapshot, error) {
	var snap ScanSnapshot
	err := e.do(ctx, func() { snap = e.beginScan(path) })
	return snap, err
}

// StartScanIfIdle starts a scan only when none is running. The check and the
// start happen in one loop step, so a concurrent StartScan is never
// superseded. started is false when a scan was already running.
func (e *Engine) StartScanIfIdle(ctx context.Context, path string) (snap ScanSnapshot, started bool, err error) {
	err = e.do(ctx, func() {
		if e.session.Scanning() {
			snap = e.session.Snapshot()
			return
		}
		snap, started = e.beginScan(path), true
	})
	return snap, started, err
}

func (e *Engine) beginScan(path string) ScanSnapshot {
	id := e.newID()
	e.ledger.Reset()
	e.session.Begin(id, path, e.now())
	snap := e.session.Snapshot()

	e.logger.Info("scan started", "correlation_id", id, "path", path)
	e.record("scan started", func(j Journal) error { return j.ScanStarted(snap) })
	e.broadcast()

	runCtx := e.runCtx
	go func() {
		err := guard(func() error {
			if e.scanner == nil {
				return errors.New("no scanner configured")
			}
			return e.scanner.Scan(runCtx, id, path)
		})
		e.post(func() { e.settleScan(id, err) })
	}()
	return snap
}

// Commit submits every pending action as one batch. It returns nil with no
// error when nothing is pending and ErrCommitInFlight while a previous
// batch is outstanding. The batch resolves asynchronously.
func (e *Engine) Commit(ctx context.Context) (*Batch, error) {
	var (
		batch *Batch
		opErr error
	)
	err := e.do(ctx, func() {
		b, err := e.coord.Prepare(e.newID(), e.now())
		if err != nil {
			opErr = err
			return
		}
		if b == nil {
			e.logger.Info("no pending actions to commit")
			return
		}
		batch = b

		e.logger.Info("commit submitted",
			"correlation_id", b.CorrelationID,
			"actions", len(b.Actions),
			"bytes", b.Bytes())
		e.record("commit submitted", func(j Journal) error { return j.CommitSubmitted(*b) })
		e.broadcast()

		runCtx := e.runCtx
		id := b.CorrelationID
		actions := append([]StagedAction(nil), b.Actions...)
		go func() {
			var summary string
			err := guard(func() error {
				if e.executor == nil {
					return errors.New("no executor configured")
				}
				var err error
				summary, err = e.executor.Commit(runCtx, id, actions)
				return err
			})
			e.post(func() { e.resolveCommit(id, summary, err) })
		}()
	})
	if err != nil {
		return nil, err
	}
	return batch, opErr
}

// AddAction appends a pending action to the ledger.
func (e *Engine) AddAction(ctx context.Context, a StagedAction) (StagedAction, error) {
	var (
		added StagedAction
		opErr error
	)
	err := e.do(ctx, func() {
		added, opErr = e.ledger.Add(a)
		if opErr == nil {
			e.broadcast()
		}
	})
	if err != nil {
		return StagedAction{}, err
	}
	return added, opErr
}

// RemoveAction removes the ledger entry at index.
func (e *Engine) RemoveAction(ctx context.Context, index int) (StagedAction, error) {
	return e.remove(ctx, func() (StagedAction, error) { return e.ledger.Remove(index) })
}

// RemoveActionID removes the ledger entry with the given ID.
func (e *Engine) RemoveActionID(ctx context.Context, id string) (StagedAction, error) {
	return e.remove(ctx, func() (StagedAction, error) { return e.ledger.RemoveID(id) })
}

func (e *Engine) remove(ctx context.Context, fn func() (StagedAction, error)) (StagedAction, error) {
	var (
		removed StagedAction
		opErr   error
	)
	err := e.do(ctx, func() {
		removed, opErr = fn()
		if opErr == nil {
			e.broadcast()
		}
	})
	if err != nil {
		return StagedAction{}, err
	}
	return removed, opErr
}

// Snapshot returns the current state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() { snap = e.snapshot() })
	return snap, err
}

// ScanLog returns the raw progress payloads accepted so far, from offset.
func (e *Engine) ScanLog(ctx context.Context, offset int) ([]string, error) {
	var log []string
	err := e.do(ctx, func() { log = e.session.Log(offset) })
	return log, err
}

// Subscribe returns a channel receiving a snapshot after each state change.
// Sends never block; a subscriber that falls behind misses frames. The
// channel is closed by Unsubscribe or when Run returns.
func (e *Engine) Subscribe() chan Snapshot {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	ch := make(chan Snapshot, 8)
	select {
	case <-e.done:
		close(ch)
		return ch
	default:
	}
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (e *Engine) Unsubscribe(ch chan Snapshot) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (e *Engine) handleEvent(ev Event) {
	switch ev.Kind {
	case EventScanProgress:
		err := e.session.Progress(ev.CorrelationID, ev.Payload)
		switch {
		case err == nil:
			// Broadcast on the next tick.
		case errors.Is(err, ErrStaleEvent):
			e.logger.Debug("discarding stale progress event", "correlation_id", ev.CorrelationID)
		default:
			e.logger.Warn("dropping malformed progress event", "correlation_id", ev.CorrelationID, "error", err)
		}
	case EventCommitCompleted:
		n, err := e.coord.Complete(ev.Payload)
		if err != nil {
			e.logger.Warn("dropping malformed commit event", "correlation_id", ev.CorrelationID, "error", err)
			return
		}
		if n == 0 {
			e.logger.Debug("commit event matches no staged action", "correlation_id", ev.CorrelationID)
			return
		}
		e.broadcast()
	default:
		e.logger.Warn("unknown backend event", "kind", string(ev.Kind), "correlation_id", ev.CorrelationID)
	}
}

func (e *Engine) settleScan(id string, err error) {
	e.drainEvents()
	if !e.session.Settle(id, err, e.now()) {
		e.logger.Debug("ignoring settlement of superseded scan", "correlation_id", id, "error", err)
		return
	}

	snap := e.session.Snapshot()
	if err != nil {
		e.logger.Error("scan failed", "correlation_id", id, "error", err)
	} else {
		e.logger.Info("scan completed",
			"correlation_id", id,
			"resources", snap.Totals.Resources,
			"bytes", snap.Totals.Bytes,
			"elapsed", snap.Elapsed)
	}
	e.record("scan finished", func(j Journal) error { return j.ScanFinished(snap) })
	e.broadcast()
}

func (e *Engine) resolveCommit(id, summary string, err error) {
	e.drainEvents()
	result, ok := e.coord.Resolve(id, summary, err, e.now())
	if !ok {
		e.logger.Warn("ignoring result for unknown commit", "correlation_id", id)
		return
	}

	if err != nil {
		e.logger.Error("commit failed", "correlation_id", id, "actions", len(result.Actions), "error", err)
	} else {
		e.logger.Info("commit succeeded", "correlation_id", id, "actions", len(result.Actions), "summary", summary)
	}
	e.record("commit resolved", func(j Journal) error { return j.CommitResolved(result) })
	e.broadcast()
}

// drainEvents handles every backend event already buffered. A backend emits
// all events for a request before the request returns, so draining before a
// settlement applies them in order.
func (e *Engine) drainEvents() {
	for e.events != nil {
		select {
		case ev, ok := <-e.events:
			if !ok {
				e.closeEvents()
				return
			}
			e.handleEvent(ev)
		default:
			return
		}
	}
}

func (e *Engine) closeEvents() {
	e.logger.Warn("backend event stream closed")
	e.events = nil
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		Scan: e.session.Snapshot(),
		Staging: StagingSnapshot{
			Actions:        e.ledger.Entries(),
			TotalBytes:     e.ledger.TotalBytes(),
			CommitInFlight: e.coord.InFlight(),
			LastCommit:     e.coord.Last(),
		},
	}
}

func (e *Engine) broadcast() {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	if len(e.subscribers) == 0 {
		return
	}

	snap := e.snapshot()
	for _, ch := range e.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}

func (e *Engine) record(what string, fn func(Journal) error) {
	if e.journal == nil {
		return
	}
	if err := fn(e.journal); err != nil {
		e.logger.Error("journal write failed", "event", what, "error", err)
	}
}

// syncTicker keeps the elapsed ticker alive exactly while scanning.
func (e *Engine) syncTicker() {
	scanning := e.session.Scanning()
	switch {
	case scanning && e.ticker == nil:
		e.ticker = time.NewTicker(e.tick)
	case !scanning && e.ticker != nil:
		e.stopTicker()
	}
}

func (e *Engine) stopTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

// do runs fn on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	<-finished
	return nil
}

// post schedules fn on the loop without waiting. It is dropped once the
// loop has exited.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// guard converts a panic in a backend call into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return fn()
}
