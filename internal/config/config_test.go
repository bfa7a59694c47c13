package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"GT_DIR", "PORT", "POLL_INTERVAL", "METRICS_BROADCAST_INTERVAL", "LOG_LEVEL", "GTWATCH_STATE_DIR"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("GTWATCH_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	cfg := Load()
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v", cfg.PollInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("logLevel = %v", cfg.LogLevel)
	}
	if cfg.GTDir == "" || cfg.StateDir == "" {
		t.Errorf("paths not derived: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GTWATCH_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Setenv("GT_DIR", "/srv/town")
	t.Setenv("PORT", "8080")
	t.Setenv("POLL_INTERVAL", "2500")
	t.Setenv("METRICS_BROADCAST_INTERVAL", "10000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()
	if cfg.GTDir != "/srv/town" {
		t.Errorf("gtDir = %q", cfg.GTDir)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.PollInterval != 2500*time.Millisecond {
		t.Errorf("pollInterval = %v", cfg.PollInterval)
	}
	if cfg.MetricsBroadcastInterval != 10*time.Second {
		t.Errorf("broadcastInterval = %v", cfg.MetricsBroadcastInterval)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("logLevel = %v", cfg.LogLevel)
	}
	if cfg.StateDir != filepath.Join("/srv/town", ".gtwatch") {
		t.Errorf("stateDir = %q", cfg.StateDir)
	}
}

func TestLoadFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "gt_dir = \"/from/file\"\nport = 4000\nlog_level = \"warn\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GTWATCH_CONFIG", path)
	t.Setenv("GT_DIR", "/from/env")
	t.Setenv("PORT", "")

	cfg := Load()
	if cfg.GTDir != "/from/env" {
		t.Errorf("gtDir = %q, env should win", cfg.GTDir)
	}
	if cfg.Port != 4000 {
		t.Errorf("port = %d, want 4000 from file", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("logLevel = %v", cfg.LogLevel)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Config{StateDir: "/tmp/gtwatch"}
	if cfg.StatePath() != "/tmp/gtwatch/state.json" {
		t.Errorf("statePath = %q", cfg.StatePath())
	}
	if cfg.HistoryPath() != "/tmp/gtwatch/history.db" {
		t.Errorf("historyPath = %q", cfg.HistoryPath())
	}
	if cfg.RulesPath() != "/tmp/gtwatch/rules.json" {
		t.Errorf("rulesPath = %q", cfg.RulesPath())
	}
}
