// Package config manages the xroverlay layer's configuration using
// koanf/v2: defaults, then an optional YAML file, then environment
// overrides.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete xroverlay layer configuration: everything the
// main-process side of the intercept layer needs that is not carried in
// the wire protocol itself (the mediation engine has no persisted state;
// this is process-local tuning only).
type Config struct {
	Diag        DiagConfig        `koanf:"diag"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	IPC         IPCConfig         `koanf:"ipc"`
	Composition CompositionConfig `koanf:"composition"`
	Negotiate   NegotiateConfig   `koanf:"negotiate"`
}

// DiagConfig holds the diagnostics HTTP API's listen configuration
// (internal/diag).
type DiagConfig struct {
	// Addr is the diagnostics HTTP listen address (e.g., ":7890").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// IPCConfig holds the shared-memory transport's tunables.
type IPCConfig struct {
	// RegionSize is the per-connection shared region size in bytes.
	// Default: 1 MiB.
	RegionSize int `koanf:"region_size"`

	// PollPeriod is the short poll period used on the response-ready/
	// peer-handle multi-wait so a dying peer is detected quickly.
	// Default: ~500ms.
	PollPeriod time.Duration `koanf:"poll_period"`
}

// CompositionConfig holds the composition injector's tunables. The
// reserved layer count is configuration rather than a hardcoded
// constant.
type CompositionConfig struct {
	// ReservedLayers is the number of composition layer slots reserved
	// for the overlay out of the runtime-reported maximum. Default: 2.
	ReservedLayers int `koanf:"reserved_layers"`
}

// NegotiateConfig holds the first-contact handshake's tunables.
type NegotiateConfig struct {
	// BinaryVersion is the layer's own wire/ABI version, checked for
	// compatibility against the overlay's requested version at handshake.
	BinaryVersion uint32 `koanf:"binary_version"`

	// EventQueueCapacity is the bounded per-overlay event queue depth
	// (default: 16).
	EventQueueCapacity int `koanf:"event_queue_capacity"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the protocol's fixed
// defaults (1 MiB region, 16-deep event queue, 2 reserved layers, ~500ms
// IPC poll period) plus sensible ambient defaults (log level/format,
// metrics and diagnostics listen addresses).
func DefaultConfig() *Config {
	return &Config{
		Diag: DiagConfig{
			Addr: ":7890",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		IPC: IPCConfig{
			RegionSize: 1 << 20,
			PollPeriod: 500 * time.Millisecond,
		},
		Composition: CompositionConfig{
			ReservedLayers: 2,
		},
		Negotiate: NegotiateConfig{
			BinaryVersion:      1,
			EventQueueCapacity: 16,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for xroverlay configuration.
// Variables are named XROVERLAY_<section>_<key>, e.g. XROVERLAY_DIAG_ADDR.
const envPrefix = "XROVERLAY_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (XROVERLAY_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	XROVERLAY_DIAG_ADDR                -> diag.addr
//	XROVERLAY_METRICS_ADDR             -> metrics.addr
//	XROVERLAY_METRICS_PATH             -> metrics.path
//	XROVERLAY_LOG_LEVEL                -> log.level
//	XROVERLAY_LOG_FORMAT               -> log.format
//	XROVERLAY_IPC_REGION_SIZE          -> ipc.region_size
//	XROVERLAY_COMPOSITION_RESERVED_LAYERS -> composition.reserved_layers
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms XROVERLAY_DIAG_ADDR -> diag.addr. Strips the
// XROVERLAY_ prefix, lowercases, and replaces the first _ (the section
// separator) with ., so multi-word keys such as ipc.region_size keep
// their underscores.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"diag.addr":                      defaults.Diag.Addr,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
		"ipc.region_size":                defaults.IPC.RegionSize,
		"ipc.poll_period":                defaults.IPC.PollPeriod.String(),
		"composition.reserved_layers":    defaults.Composition.ReservedLayers,
		"negotiate.binary_version":       defaults.Negotiate.BinaryVersion,
		"negotiate.event_queue_capacity": defaults.Negotiate.EventQueueCapacity,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDiagAddr indicates the diagnostics listen address is empty.
	ErrEmptyDiagAddr = errors.New("diag.addr must not be empty")

	// ErrInvalidRegionSize indicates the IPC region size is too small to
	// hold even the fixed header (chain.HeaderSize).
	ErrInvalidRegionSize = errors.New("ipc.region_size must be large enough for the chain header")

	// ErrInvalidPollPeriod indicates the IPC poll period is non-positive.
	ErrInvalidPollPeriod = errors.New("ipc.poll_period must be > 0")

	// ErrInvalidReservedLayers indicates a negative reserved layer count.
	ErrInvalidReservedLayers = errors.New("composition.reserved_layers must be >= 0")

	// ErrInvalidEventQueueCapacity indicates a non-positive event queue
	// capacity.
	ErrInvalidEventQueueCapacity = errors.New("negotiate.event_queue_capacity must be > 0")
)

// minRegionSize is the smallest region size Validate accepts: it must be
// able to hold the fixed chain.HeaderSize (8 + 4 + 4 + 128*8 + 8 bytes)
// plus room for at least a trivial payload. Spelled out as a literal here
// rather than importing internal/chain, to keep config dependency-free of
// the marshaller it configures.
const minRegionSize = 1048 + 256

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Diag.Addr == "" {
		return ErrEmptyDiagAddr
	}

	if cfg.IPC.RegionSize < minRegionSize {
		return ErrInvalidRegionSize
	}

	if cfg.IPC.PollPeriod <= 0 {
		return ErrInvalidPollPeriod
	}

	if cfg.Composition.ReservedLayers < 0 {
		return ErrInvalidReservedLayers
	}

	if cfg.Negotiate.EventQueueCapacity <= 0 {
		return ErrInvalidEventQueueCapacity
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
