// Package app provides shared application initialization logic used by both
// the server (CLI) and desktop (Wails) entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lyallcooper/sweeper/internal/backend"
	"github.com/lyallcooper/sweeper/internal/config"
	"github.com/lyallcooper/sweeper/internal/db"
	"github.com/lyallcooper/sweeper/internal/engine"
	"github.com/lyallcooper/sweeper/internal/handlers"
	"github.com/lyallcooper/sweeper/internal/logging"
	"github.com/lyallcooper/sweeper/internal/scheduler"
)

// DefaultConfigPath is read when neither ServerConfig.ConfigPath nor
// SWEEPER_CONFIG is set. A missing file is not an error.
const DefaultConfigPath = "sweeper.yaml"

// ServerConfig contains options for creating the application server.
type ServerConfig struct {
	// ConfigPath is the YAML config file. Defaults to $SWEEPER_CONFIG, then
	// DefaultConfigPath.
	ConfigPath string

	// Port to listen on. If 0, uses config default.
	Port int

	// BindAddress overrides the configured bind address when set.
	// Use "127.0.0.1" for desktop mode to only allow local connections.
	BindAddress string

	// Version string for display.
	Version string

	// Commit hash for display.
	Commit string

	// StaticFS is the web UI. Optional.
	StaticFS fs.FS

	// DisableCSRF disables CSRF protection. Use for desktop mode where
	// the server only accepts local connections and CSRF isn't a concern.
	DisableCSRF bool
}

// Server wraps the HTTP server and associated resources.
type Server struct {
	HTTP      *http.Server
	Config    *config.Config
	Database  *db.DB
	Engine    *engine.Engine
	Backend   *backend.Local
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	stopEngine  context.CancelFunc
	logCloser   io.Closer
	stopOnce    sync.Once
	cleanupOnce sync.Once
}

// CreateServer initializes all application components and returns a Server.
// Call Server.Cleanup() when done to release resources.
func CreateServer(cfg ServerConfig) (*Server, error) {
	path := cfg.ConfigPath
	if path == "" {
		path = os.Getenv("SWEEPER_CONFIG")
	}
	if path == "" {
		path = DefaultConfigPath
	}
	appCfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Port > 0 {
		appCfg.Server.Port = cfg.Port
	}
	if cfg.BindAddress != "" {
		appCfg.Server.BindAddress = cfg.BindAddress
	}

	logger, logCloser := logging.New(appCfg.Logging)
	slog.SetDefault(logger)

	versionStr := buildVersionString(cfg.Version, cfg.Commit)
	logger.Info("sweeper starting",
		"version", versionStr,
		"database", appCfg.Database.Path,
		"addr", appCfg.Addr(),
		"retention_days", appCfg.Database.RetentionDays,
		"allowed_paths", appCfg.Scan.AllowedPaths,
		"dry_run", appCfg.Commit.DryRun)

	s := &Server{Config: appCfg, Logger: logger, logCloser: logCloser}

	database, err := db.Open(appCfg.Database.Path)
	if err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.Database = database

	// Anything left running belongs to a previous process.
	if n, err := database.MarkInterrupted(time.Now()); err != nil {
		logger.Warn("marking interrupted history", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted history entries", "count", n)
	}

	s.Backend = backend.NewLocal(backend.Options{
		AllowedPaths: appCfg.Scan.AllowedPaths,
		BatchSize:    appCfg.Scan.ProgressBatch,
		DryRun:       appCfg.Commit.DryRun,
		Logger:       logger,
	})

	s.Engine = engine.New(engine.Options{
		Scanner:      s.Backend,
		Executor:     s.Backend,
		Events:       s.Backend.Events(),
		Journal:      database,
		Logger:       logger,
		TickInterval: appCfg.Scan.TickInterval,
	})
	engineCtx, stopEngine := context.WithCancel(context.Background())
	s.stopEngine = stopEngine
	go func() {
		if err := s.Engine.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", "error", err)
		}
	}()

	sched, err := scheduler.New(s.Engine, appCfg.Schedules, logger)
	if err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	s.Scheduler = sched
	sched.Start()

	h, err := handlers.New(handlers.Options{
		Engine:      s.Engine,
		DB:          database,
		Scheduler:   sched,
		Config:      appCfg,
		StaticFS:    cfg.StaticFS,
		Version:     versionStr,
		DisableCSRF: cfg.DisableCSRF,
		Logger:      logger,
	})
	if err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}
	h.StartJanitor(engineCtx)

	s.HTTP = &http.Server{
		Addr:              appCfg.Addr(),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // No timeout for SSE
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Cleanup releases all resources held by the server. It is safe to call
// more than once.
func (s *Server) Cleanup() {
	s.cleanupOnce.Do(s.release)
}

func (s *Server) release() {
	s.stopBackground()
	if s.Database != nil {
		if err := s.Database.Close(); err != nil {
			s.Logger.Warn("closing database", "error", err)
		}
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}

// stopBackground stops the scheduler and the engine. A stopped engine closes
// its subscriptions, which ends open state streams.
func (s *Server) stopBackground() {
	s.stopOnce.Do(func() {
		if s.Scheduler != nil {
			s.Scheduler.Stop()
		}
		if s.stopEngine != nil {
			s.stopEngine()
			<-s.Engine.Done()
		}
	})
}

// StartCleanupLoop starts a background goroutine that removes history older
// than the retention period, once at start and then daily.
// Returns a cancel function and a done channel.
func (s *Server) StartCleanupLoop() (cancel func(), done <-chan struct{}) {
	return s.startCleanupLoop(24 * time.Hour)
}

func (s *Server) startCleanupLoop(interval time.Duration) (func(), <-chan struct{}) {
	cleanupDone := make(chan struct{})
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())

	go func() {
		defer close(cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			s.cleanup()
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return cleanupCancel, cleanupDone
}

func (s *Server) cleanup() {
	days := s.Config.Database.RetentionDays
	if days <= 0 {
		return
	}
	s.Logger.Info("running history cleanup", "retention_days", days)
	if err := s.Database.CleanupOldData(days); err != nil {
		s.Logger.Error("history cleanup failed", "error", err)
	}
}

// Shutdown stops the engine so streaming clients disconnect, drains the
// HTTP server, then releases everything else.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopBackground()
	err := s.HTTP.Shutdown(ctx)
	s.Cleanup()
	return err
}

func buildVersionString(version, commit string) string {
	if version == "" {
		version = "dev"
	}
	if strings.HasPrefix(version, "v") {
		return version
	}
	shortCommit := commit
	if len(shortCommit) > 7 {
		shortCommit = shortCommit[:7]
	}
	if shortCommit == "" {
		shortCommit = "unknown"
	}
	return version + "-" + shortCommit
}
