package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// App struct holds the Wails application context and provides
// methods that can be called from the frontend.
type App struct {
	ctx         context.Context
	defaultPath string
}

// NewApp creates a new App instance.
func NewApp(defaultPath string) *App {
	return &App{defaultPath: defaultPath}
}

// startup is called when the app starts.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

// DefaultScanPath returns the path scanned when none is given.
func (a *App) DefaultScanPath() string {
	return a.defaultPath
}

// RevealPath shows path in the system file manager. Paths removed by a
// commit reveal their parent directory instead.
func (a *App) RevealPath(path string) error {
	if _, err := os.Lstat(path); err != nil {
		parent := filepath.Dir(path)
		if _, perr := os.Stat(parent); perr != nil {
			return fmt.Errorf("cannot reveal %s: %w", path, err)
		}
		return openFolder(parent)
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-R", path) // -R reveals in Finder
	case "windows":
		cmd = exec.Command("explorer", "/select,", path)
	default: // Linux
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

func openFolder(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default: // Linux
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}
