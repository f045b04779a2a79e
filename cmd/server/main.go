package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyallcooper/sweeper/internal/app"
	"github.com/lyallcooper/sweeper/internal/webfs"
)

// Version info - injected at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $SWEEPER_CONFIG or "+app.DefaultConfigPath+")")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	server, err := app.CreateServer(app.ServerConfig{
		ConfigPath: *configPath,
		Port:       *port,
		Version:    version,
		Commit:     commit,
		StaticFS:   webfs.Static(),
	})
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}

	cleanupCancel, cleanupDone := server.StartCleanupLoop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", server.HTTP.Addr)
		serveErr <- server.HTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleanupCancel()
	<-cleanupDone
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
