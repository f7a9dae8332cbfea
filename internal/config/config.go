// Package config loads burnline's TOML configuration and resolves its paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/theirongolddev/burnline/internal/model"

	"github.com/BurntSushi/toml"
)

// Config holds all burnline configuration.
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Storage   StorageConfig   `toml:"storage"`
	Retention RetentionConfig `toml:"retention"`
	Context   ContextConfig   `toml:"context"`
	Sync      SyncConfig      `toml:"sync"`
	Daemon    DaemonConfig    `toml:"daemon"`
	Log       LogConfig       `toml:"log"`
}

// GeneralConfig holds general preferences.
type GeneralConfig struct {
	DataDir  string `toml:"data_dir,omitempty"`
	DeviceID string `toml:"device_id,omitempty"`
}

// StorageConfig controls the persistence backends.
type StorageConfig struct {
	// Backend is "sqlite" (default) or "json".
	Backend        string `toml:"backend"`
	MirrorEnabled  bool   `toml:"mirror_enabled"`
	BusyTimeoutMs  int    `toml:"busy_timeout_ms"`
	MaxOpenConns   int    `toml:"max_open_conns"`
	RetryAttempts  int    `toml:"retry_attempts"`
	RetryBackoffMs int    `toml:"retry_backoff_ms"`
}

// RetentionConfig holds per-entity retention windows in days. Zero keeps forever.
type RetentionConfig struct {
	SessionDays int `toml:"session_days"`
	DailyDays   int `toml:"daily_days"`
	MonthlyDays int `toml:"monthly_days"`
	LearnedDays int `toml:"learned_days"`
	// VacuumFreeRatio is the freelist fraction above which VACUUM runs.
	VacuumFreeRatio float64 `toml:"vacuum_free_ratio"`
}

// ContextConfig controls context-window learning and resolution.
type ContextConfig struct {
	LearningEnabled     bool             `toml:"learning_enabled"`
	ConfidenceThreshold float64          `toml:"confidence_threshold"`
	MinCompactionTokens int64            `toml:"min_compaction_tokens"`
	ScanMessages        int              `toml:"scan_messages"`
	TranscriptMaxBytes  int64            `toml:"transcript_max_bytes"`
	ManualPhrases       []string         `toml:"manual_phrases,omitempty"`
	Overrides           map[string]int64 `toml:"overrides,omitempty"`
}

// SyncConfig holds the optional Redis replica settings.
type SyncConfig struct {
	Enabled   bool   `toml:"enabled"`
	RedisAddr string `toml:"redis_addr,omitempty"`
	Password  string `toml:"password,omitempty"`
	DB        int    `toml:"db"`
	Prefix    string `toml:"prefix,omitempty"`
}

// DaemonConfig controls the optional background monitor.
type DaemonConfig struct {
	Addr                string `toml:"addr"`
	IntervalSecs        int    `toml:"interval_secs"`
	MaintenanceSchedule string `toml:"maintenance_schedule"`
	SyncSchedule        string `toml:"sync_schedule"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Backend:        "sqlite",
			MirrorEnabled:  false,
			BusyTimeoutMs:  10_000,
			MaxOpenConns:   4,
			RetryAttempts:  3,
			RetryBackoffMs: 50,
		},
		Retention: RetentionConfig{
			SessionDays:     90,
			DailyDays:       365,
			MonthlyDays:     0,
			LearnedDays:     0,
			VacuumFreeRatio: 0.2,
		},
		Context: ContextConfig{
			LearningEnabled:     true,
			ConfidenceThreshold: 0.7,
			MinCompactionTokens: 50_000,
			ScanMessages:        10,
			TranscriptMaxBytes:  8 << 20,
		},
		Sync: SyncConfig{
			Prefix: "burnline:",
		},
		Daemon: DaemonConfig{
			Addr:                "127.0.0.1:8787",
			IntervalSecs:        10,
			MaintenanceSchedule: "@daily",
			SyncSchedule:        "@every 15m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "burnline")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "burnline")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultDataDir returns the XDG-compliant data directory.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "burnline")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "burnline")
}

// DataDir returns the effective data directory: env, then config, then default.
func (c Config) DataDir() string {
	if dir := os.Getenv("BURNLINE_DATA_DIR"); dir != "" {
		return dir
	}
	if c.General.DataDir != "" {
		return c.General.DataDir
	}
	return DefaultDataDir()
}

// StorePath is the fixed location of the SQLite store.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir(), "stats.db")
}

// MirrorPath is the sibling JSON mirror file.
func (c Config) MirrorPath() string {
	return filepath.Join(c.DataDir(), "stats.json")
}

// LogPath returns the log file path.
func (c Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir(), "burnline.log")
}

// BusyTimeout returns the SQLite busy timeout, honoring BURNLINE_BUSY_TIMEOUT_MS.
func (c Config) BusyTimeout() time.Duration {
	ms := c.Storage.BusyTimeoutMs
	if env := os.Getenv("BURNLINE_BUSY_TIMEOUT_MS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			ms = v
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// SyncPassword returns the Redis password from env var or config, in that order.
func (c Config) SyncPassword() string {
	if pw := os.Getenv("BURNLINE_REDIS_PASSWORD"); pw != "" {
		return pw
	}
	return c.Sync.Password
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "json":
	default:
		return fmt.Errorf("%w: storage.backend must be sqlite or json, got %q", model.ErrConfiguration, c.Storage.Backend)
	}
	if c.Context.ConfidenceThreshold < 0 || c.Context.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: context.confidence_threshold must be within [0,1]", model.ErrConfiguration)
	}
	if c.Storage.BusyTimeoutMs < 0 || c.Storage.RetryAttempts < 0 {
		return fmt.Errorf("%w: storage timeouts and retries must not be negative", model.ErrConfiguration)
	}
	for name, tokens := range c.Context.Overrides {
		if tokens <= 0 {
			return fmt.Errorf("%w: context.overrides[%q] must be positive", model.ErrConfiguration, name)
		}
	}
	if c.Sync.Enabled && c.Sync.RedisAddr == "" {
		return fmt.Errorf("%w: sync.redis_addr is required when sync is enabled", model.ErrConfiguration)
	}
	return nil
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config at path, returning defaults if it doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // user-chosen config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("%w: reading config: %w", model.ErrConfiguration, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing config: %w", model.ErrConfiguration, err)
	}

	return cfg, cfg.Validate()
}

// Save writes the config to disk.
func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes the config to path.
func SaveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // user-chosen config path
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}
