// Package config loads gtwatch configuration from an optional TOML file
// overlaid by environment variables. Environment always wins so deployments
// can override a shared config file per host.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults.
const (
	DefaultPort                     = 3001
	DefaultPollInterval             = 5 * time.Second
	DefaultMetricsBroadcastInterval = 5 * time.Second
)

// fileConfig mirrors the TOML file shape. All fields are optional.
type fileConfig struct {
	GTDir                      string `toml:"gt_dir"`
	Port                       int    `toml:"port"`
	PollIntervalMs             int    `toml:"poll_interval_ms"`
	MetricsBroadcastIntervalMs int    `toml:"metrics_broadcast_interval_ms"`
	LogLevel                   string `toml:"log_level"`
	StateDir                   string `toml:"state_dir"`
}

// Config is the resolved service configuration.
type Config struct {
	// GTDir is the Gas Town workspace root holding rig directories.
	GTDir string

	// Port is the HTTP and push-channel listener port.
	Port int

	// PollInterval is the poller cycle cadence.
	PollInterval time.Duration

	// MetricsBroadcastInterval is the push-channel metrics cadence.
	MetricsBroadcastInterval time.Duration

	// LogLevel is the slog level for the service logger.
	LogLevel slog.Level

	// StateDir holds persisted state: snapshot, history db, rules,
	// lock file, and the service log.
	StateDir string
}

// Load resolves configuration from ~/.config/gtwatch/config.toml (or
// $GTWATCH_CONFIG) and the environment. Missing file is not an error.
func Load() Config {
	cfg := Config{
		Port:                     DefaultPort,
		PollInterval:             DefaultPollInterval,
		MetricsBroadcastInterval: DefaultMetricsBroadcastInterval,
		LogLevel:                 slog.LevelInfo,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.GTDir = filepath.Join(home, "gt")
	}

	path := os.Getenv("GTWATCH_CONFIG")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "gtwatch", "config.toml")
		}
	}
	var fc fileConfig
	if path != "" {
		// Decode errors fall through to defaults; a broken config file
		// must not keep the watcher down.
		_, _ = toml.DecodeFile(path, &fc)
	}
	applyFile(&cfg, fc)
	applyEnv(&cfg)

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.GTDir, ".gtwatch")
	}
	return cfg
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.GTDir != "" {
		cfg.GTDir = fc.GTDir
	}
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if fc.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(fc.PollIntervalMs) * time.Millisecond
	}
	if fc.MetricsBroadcastIntervalMs > 0 {
		cfg.MetricsBroadcastInterval = time.Duration(fc.MetricsBroadcastIntervalMs) * time.Millisecond
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = ParseLogLevel(fc.LogLevel)
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GT_DIR"); v != "" {
		cfg.GTDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("METRICS_BROADCAST_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.MetricsBroadcastInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv("GTWATCH_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
}

// ParseLogLevel maps a level word to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StatePath returns the state manager snapshot path.
func (c Config) StatePath() string { return filepath.Join(c.StateDir, "state.json") }

// HistoryPath returns the historical store database path.
func (c Config) HistoryPath() string { return filepath.Join(c.StateDir, "history.db") }

// RulesPath returns the alerting rules file path.
func (c Config) RulesPath() string { return filepath.Join(c.StateDir, "rules.json") }

// LockPath returns the single-instance lock file path.
func (c Config) LockPath() string { return filepath.Join(c.StateDir, "gtwatch.lock") }

// LogPath returns the rotating service log path.
func (c Config) LogPath() string { return filepath.Join(c.StateDir, "gtwatch.log") }
