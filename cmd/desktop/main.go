package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
	"github.com/wailsapp/wails/v2/pkg/options/windows"

	"github.com/lyallcooper/sweeper/internal/app"
	"github.com/lyallcooper/sweeper/internal/webfs"
)

// Version info - injected at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Set desktop-specific defaults before loading config
	setDesktopDefaults()

	// Find available port for internal server
	port, err := findAvailablePort()
	if err != nil {
		slog.Error("failed to find available port", "error", err)
		os.Exit(1)
	}

	// Create the internal HTTP server
	server, err := app.CreateServer(app.ServerConfig{
		Port:        port,
		Version:     version,
		Commit:      commit,
		StaticFS:    webfs.Static(),
		BindAddress: "127.0.0.1", // Only local connections
		DisableCSRF: true,        // CSRF not needed for desktop app
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	cleanupCancel, cleanupDone := server.StartCleanupLoop()

	// Create reverse proxy to internal server
	targetURL, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.FlushInterval = -1 // stream SSE frames immediately

	desktopApp := NewApp(server.Config.Scan.DefaultPath)

	err = wails.Run(&options.App{
		Title:     "Sweeper",
		Width:     1200,
		Height:    800,
		MinWidth:  800,
		MinHeight: 600,
		AssetServer: &assetserver.Options{
			Handler: proxy,
		},
		OnStartup: func(ctx context.Context) {
			desktopApp.startup(ctx)
			// Start HTTP server in background
			go func() {
				slog.Info("internal server listening", "addr", server.HTTP.Addr)
				if err := server.HTTP.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					slog.Error("HTTP server error", "error", err)
				}
			}()
		},
		OnShutdown: func(ctx context.Context) {
			slog.Info("shutting down")
			cleanupCancel()
			<-cleanupDone
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "error", err)
			}
			slog.Info("shutdown complete")
		},
		Bind: []interface{}{
			desktopApp,
		},
		Mac: &mac.Options{
			TitleBar: &mac.TitleBar{
				TitlebarAppearsTransparent: false,
			},
			About: &mac.AboutInfo{
				Title:   "Sweeper",
				Message: fmt.Sprintf("Disk cleanup\n\nVersion: %s", version),
			},
		},
		Windows: &windows.Options{
			WebviewIsTransparent: false,
			WindowIsTranslucent:  false,
		},
	})
	if err != nil {
		slog.Error("wails error", "error", err)
		os.Exit(1)
	}
}

// findAvailablePort finds an available TCP port on localhost.
func findAvailablePort() (int, error) {
	// Try preferred port first
	preferredPort := 18080
	if isPortAvailable(preferredPort) {
		return preferredPort, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// isPortAvailable checks if a port is available on localhost.
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// setDesktopDefaults sets environment variables for desktop-appropriate
// defaults if they're not already set.
func setDesktopDefaults() {
	dataDir := getAppDataDir()
	if os.Getenv("SWEEPER_DB_PATH") == "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			slog.Warn("could not create data directory", "dir", dataDir, "error", err)
		}
		os.Setenv("SWEEPER_DB_PATH", filepath.Join(dataDir, "sweeper.db"))
	}
	if os.Getenv("SWEEPER_CONFIG") == "" {
		os.Setenv("SWEEPER_CONFIG", filepath.Join(dataDir, "sweeper.yaml"))
	}
}

// getAppDataDir returns the platform-appropriate application data directory.
func getAppDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Sweeper")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Sweeper")
	default: // Linux and others
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "sweeper")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "sweeper")
	}
}
