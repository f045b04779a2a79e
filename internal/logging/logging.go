// Package logging builds the application slog.Logger from config.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lyallcooper/sweeper/internal/config"
)

// New returns a logger writing to stdout and, when cfg.File is set, to a
// rotating log file. The returned closer is nil without a file.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = stdout
		closer io.Closer
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		w = io.MultiWriter(stdout, lj)
		closer = lj
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel converts a level name to slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
