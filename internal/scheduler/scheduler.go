package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lyallcooper/sweeper/internal/config"
	"github.com/lyallcooper/sweeper/internal/engine"
)

// ScanStarter is the part of the engine the scheduler drives.
type ScanStarter interface {
	StartScanIfIdle(ctx context.Context, path string) (engine.ScanSnapshot, bool, error)
}

// Job is a scheduled scan and its run bookkeeping.
type Job struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	CronExpression string     `json:"cron"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastResult     string     `json:"last_result,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`

	schedule cron.Schedule
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	engine   ScanStarter
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	jobs     []*Job
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Parser accepts five-field cron expressions and @descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler for the configured schedules. Invalid cron
// expressions are rejected.
func New(eng ScanStarter, schedules []config.Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		engine:   eng,
		logger:   logger.With("component", "scheduler"),
		interval: time.Minute,
		now:      time.Now,
	}

	now := s.now()
	for _, sc := range schedules {
		schedule, err := Parser.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression %q: %w", sc.Name, sc.Cron, err)
		}
		s.jobs = append(s.jobs, &Job{
			Name:           sc.Name,
			Path:           sc.Path,
			CronExpression: sc.Cron,
			NextRunAt:      schedule.Next(now),
			schedule:       schedule,
		})
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Jobs returns a copy of the scheduled jobs
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = *j
	}
	return out
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkJobs(ctx)

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.checkJobs(ctx)
		}
	}
}

// checkJobs starts every due job. A job that comes due while a scan is
// running is skipped rather than superseding it.
func (s *Scheduler) checkJobs(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, job := range s.jobs {
		if now.Before(job.NextRunAt) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		job.LastResult = s.runJob(ctx, job)
		ran := now
		job.LastRunAt = &ran
		job.NextRunAt = job.schedule.Next(now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) string {
	snap, started, err := s.engine.StartScanIfIdle(ctx, job.Path)
	if err != nil {
		s.logger.Error("failed to start scheduled scan", "job", job.Name, "error", err)
		return "error: " + err.Error()
	}
	if !started {
		s.logger.Info("skipping scheduled scan, a scan is already running",
			"job", job.Name, "running", snap.CorrelationID)
		return "skipped"
	}
	s.logger.Info("started scheduled scan", "job", job.Name, "path", job.Path, "correlation_id", snap.CorrelationID)
	return "started"
}
