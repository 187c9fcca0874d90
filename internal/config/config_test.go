package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dcrane/xroverlay/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Diag.Addr != ":7890" {
		t.Errorf("Diag.Addr = %q, want %q", cfg.Diag.Addr, ":7890")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.IPC.RegionSize != 1<<20 {
		t.Errorf("IPC.RegionSize = %d, want %d", cfg.IPC.RegionSize, 1<<20)
	}

	if cfg.IPC.PollPeriod != 500*time.Millisecond {
		t.Errorf("IPC.PollPeriod = %v, want %v", cfg.IPC.PollPeriod, 500*time.Millisecond)
	}

	if cfg.Composition.ReservedLayers != 2 {
		t.Errorf("Composition.ReservedLayers = %d, want %d", cfg.Composition.ReservedLayers, 2)
	}

	if cfg.Negotiate.EventQueueCapacity != 16 {
		t.Errorf("Negotiate.EventQueueCapacity = %d, want %d", cfg.Negotiate.EventQueueCapacity, 16)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
diag:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
composition:
  reserved_layers: 4
negotiate:
  binary_version: 2
  event_queue_capacity: 32
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Diag.Addr != ":60000" {
		t.Errorf("Diag.Addr = %q, want %q", cfg.Diag.Addr, ":60000")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.Composition.ReservedLayers != 4 {
		t.Errorf("Composition.ReservedLayers = %d, want %d", cfg.Composition.ReservedLayers, 4)
	}

	if cfg.Negotiate.BinaryVersion != 2 {
		t.Errorf("Negotiate.BinaryVersion = %d, want %d", cfg.Negotiate.BinaryVersion, 2)
	}

	if cfg.Negotiate.EventQueueCapacity != 32 {
		t.Errorf("Negotiate.EventQueueCapacity = %d, want %d", cfg.Negotiate.EventQueueCapacity, 32)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override diag.addr and log.level. Everything
	// else should inherit from defaults.
	yamlContent := `
diag:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Diag.Addr != ":55555" {
		t.Errorf("Diag.Addr = %q, want %q", cfg.Diag.Addr, ":55555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.IPC.RegionSize != 1<<20 {
		t.Errorf("IPC.RegionSize = %d, want default %d", cfg.IPC.RegionSize, 1<<20)
	}

	if cfg.Composition.ReservedLayers != 2 {
		t.Errorf("Composition.ReservedLayers = %d, want default %d", cfg.Composition.ReservedLayers, 2)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty diag addr",
			modify: func(cfg *config.Config) {
				cfg.Diag.Addr = ""
			},
			wantErr: config.ErrEmptyDiagAddr,
		},
		{
			name: "region size too small",
			modify: func(cfg *config.Config) {
				cfg.IPC.RegionSize = 16
			},
			wantErr: config.ErrInvalidRegionSize,
		},
		{
			name: "zero poll period",
			modify: func(cfg *config.Config) {
				cfg.IPC.PollPeriod = 0
			},
			wantErr: config.ErrInvalidPollPeriod,
		},
		{
			name: "negative poll period",
			modify: func(cfg *config.Config) {
				cfg.IPC.PollPeriod = -time.Second
			},
			wantErr: config.ErrInvalidPollPeriod,
		},
		{
			name: "negative reserved layers",
			modify: func(cfg *config.Config) {
				cfg.Composition.ReservedLayers = -1
			},
			wantErr: config.ErrInvalidReservedLayers,
		},
		{
			name: "zero event queue capacity",
			modify: func(cfg *config.Config) {
				cfg.Negotiate.EventQueueCapacity = 0
			},
			wantErr: config.ErrInvalidEventQueueCapacity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
diag:
  addr: ":7890"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("XROVERLAY_DIAG_ADDR", ":60000")
	t.Setenv("XROVERLAY_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Diag.Addr != ":60000" {
		t.Errorf("Diag.Addr = %q, want %q (from env)", cfg.Diag.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
diag:
  addr: ":7890"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("XROVERLAY_METRICS_ADDR", ":9200")
	t.Setenv("XROVERLAY_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path. The file
// is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "xroverlay.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
