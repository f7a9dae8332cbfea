package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/burnline/internal/model"
)

func TestLoadFrom_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Fatalf("backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Context.ConfidenceThreshold != 0.7 {
		t.Fatalf("threshold = %v, want 0.7", cfg.Context.ConfidenceThreshold)
	}
	if cfg.Context.ScanMessages != 10 {
		t.Fatalf("scan messages = %d, want 10", cfg.Context.ScanMessages)
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Storage.MirrorEnabled = true
	cfg.Context.Overrides = map[string]int64{"claude-opus-4-5": 180_000}

	if err := SaveTo(path, cfg); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !got.Storage.MirrorEnabled {
		t.Fatal("mirror flag lost in round trip")
	}
	if got.Context.Overrides["claude-opus-4-5"] != 180_000 {
		t.Fatalf("override = %d", got.Context.Overrides["claude-opus-4-5"])
	}
}

func TestLoadFrom_InvalidBackendIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage]\nbackend = \"postgres\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFrom(path)
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if !model.IsFatal(err) {
		t.Fatal("configuration errors must be fatal")
	}
}

func TestBusyTimeout_EnvOverride(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BusyTimeout() != 10*time.Second {
		t.Fatalf("default busy timeout = %v", cfg.BusyTimeout())
	}
	t.Setenv("BURNLINE_BUSY_TIMEOUT_MS", "2500")
	if cfg.BusyTimeout() != 2500*time.Millisecond {
		t.Fatalf("env busy timeout = %v", cfg.BusyTimeout())
	}
}

func TestDeviceID_PersistsGeneratedID(t *testing.T) {
	t.Setenv("BURNLINE_DATA_DIR", t.TempDir())
	cfg := DefaultConfig()

	first, err := cfg.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	second, err := cfg.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("device id not stable: %q vs %q", first, second)
	}

	cfg.General.DeviceID = "laptop"
	if id, _ := cfg.DeviceID(); id != "laptop" {
		t.Fatalf("configured id = %q, want laptop", id)
	}
}
