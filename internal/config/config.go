package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Database  DatabaseConfig `yaml:"database"`
	Scan      ScanConfig     `yaml:"scan"`
	Commit    CommitConfig   `yaml:"commit"`
	Logging   LoggingConfig  `yaml:"logging"`
	Schedules []Schedule     `yaml:"schedules"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	BindAddress string   `yaml:"bind_address"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ScanConfig controls the local scanner.
type ScanConfig struct {
	// AllowedPaths restricts scans and actions to these roots. Empty means
	// unrestricted. Paths set from the environment are locked in the UI.
	AllowedPaths  []string      `yaml:"allowed_paths"`
	DefaultPath   string        `yaml:"default_path"`
	ProgressBatch int           `yaml:"progress_batch"`
	TickInterval  time.Duration `yaml:"tick_interval"`
}

// CommitConfig controls the local executor.
type CommitConfig struct {
	DryRun bool `yaml:"dry_run"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Schedule is a cron-triggered scan.
type Schedule struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Cron string `yaml:"cron"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:          "./data/sweeper.db",
			RetentionDays: 30,
		},
		Scan: ScanConfig{
			DefaultPath:   home,
			ProgressBatch: 256,
			TickInterval:  100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	c.Server.Port = getEnvInt("SWEEPER_PORT", c.Server.Port)
	c.Server.BindAddress = getEnv("SWEEPER_BIND_ADDRESS", c.Server.BindAddress)
	c.Database.Path = getEnv("SWEEPER_DB_PATH", c.Database.Path)
	c.Database.RetentionDays = getEnvInt("SWEEPER_RETENTION_DAYS", c.Database.RetentionDays)
	c.Scan.DefaultPath = getEnv("SWEEPER_DEFAULT_PATH", c.Scan.DefaultPath)
	c.Logging.Level = getEnv("SWEEPER_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("SWEEPER_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("SWEEPER_LOG_FILE", c.Logging.File)

	if paths := getEnvPaths("SWEEPER_SCAN_PATHS"); paths != nil {
		c.Scan.AllowedPaths = paths
	}
	if origins := getEnv("SWEEPER_CORS_ORIGINS", ""); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}
	if v := os.Getenv("SWEEPER_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Commit.DryRun = b
		}
	}
	if v := os.Getenv("SWEEPER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scan.TickInterval = d
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("invalid retention days: %d", c.Database.RetentionDays)
	}
	if c.Scan.ProgressBatch < 1 {
		return fmt.Errorf("invalid progress batch: %d", c.Scan.ProgressBatch)
	}
	if c.Scan.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval: %s", c.Scan.TickInterval)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	c.Database.Path = ExpandPath(c.Database.Path)
	c.Scan.DefaultPath = ExpandPath(c.Scan.DefaultPath)
	c.Logging.File = ExpandPath(c.Logging.File)
	for i, p := range c.Scan.AllowedPaths {
		c.Scan.AllowedPaths[i] = ExpandPath(p)
	}

	seen := make(map[string]bool)
	for i := range c.Schedules {
		s := &c.Schedules[i]
		if s.Name == "" || s.Path == "" || s.Cron == "" {
			return fmt.Errorf("schedule %d: name, path and cron are required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name: %q", s.Name)
		}
		seen[s.Name] = true
		s.Path = ExpandPath(s.Path)
		if !c.IsPathAllowed(s.Path) {
			return fmt.Errorf("schedule %q: path %s is outside the allowed paths", s.Name, s.Path)
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// IsPathAllowed reports whether path lies within one of the configured
// allowed paths.
func (c *Config) IsPathAllowed(path string) bool {
	return IsPathAllowed(c.Scan.AllowedPaths, path)
}

// IsPathAllowed reports whether path equals or is below one of allowed.
// An empty allow-list permits everything.
func IsPathAllowed(allowed []string, path string) bool {
	if len(allowed) == 0 {
		return true
	}
	path = filepath.Clean(path)
	for _, root := range allowed {
		root = filepath.Clean(root)
		if path == root {
			return true
		}
		prefix := root
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ExpandPath expands a leading ~ to the home directory and cleans the path.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvPaths parses a comma-separated list of paths, expanding each.
func getEnvPaths(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var paths []string
	for _, p := range splitList(val) {
		paths = append(paths, ExpandPath(p))
	}
	return paths
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
