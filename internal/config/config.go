// Package config provides configuration management for Shepherd.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (SHEPHERD_*)
// 3. Project config (.shepherd/config.yaml in cwd)
// 4. Home config (~/.shepherd/config.yaml)
// 5. Defaults
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all Shepherd daemon/CLI configuration.
type Config struct {
	// StateDir is the root directory holding runs/, blacklist.json and
	// daemon.pid. Per-run lock files live in runs/locks/, not directly
	// under StateDir. Default: ~/.slurm_shepherd.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// PollIntervalSec is how often the daemon ticks over all runs.
	PollIntervalSec int `yaml:"poll_interval_sec" json:"poll_interval_sec"`

	// LogLevel controls zerolog's global level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LogFormat selects "console" (human) or "json" output.
	LogFormat string `yaml:"log_format" json:"log_format"`

	// Scheduler binary names, overridable for sites that rename or
	// wrap the standard SLURM commands.
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Backoff defaults applied when a run's meta.json doesn't override
	// them.
	Backoff BackoffConfig `yaml:"backoff" json:"backoff"`

	// Heartbeat defaults.
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`

	// BlacklistLimit caps how many excluded nodes are passed to sbatch.
	BlacklistLimit int `yaml:"blacklist_limit" json:"blacklist_limit"`
}

// SchedulerConfig names the scheduler CLI binaries.
type SchedulerConfig struct {
	SqueueBin  string `yaml:"squeue_bin" json:"squeue_bin"`
	SbatchBin  string `yaml:"sbatch_bin" json:"sbatch_bin"`
	ScancelBin string `yaml:"scancel_bin" json:"scancel_bin"`
	SacctBin   string `yaml:"sacct_bin" json:"sacct_bin"`
}

// BackoffConfig holds the default restart backoff parameters.
type BackoffConfig struct {
	BaseSec int64 `yaml:"base_sec" json:"base_sec"`
	MaxSec  int64 `yaml:"max_sec" json:"max_sec"`
}

// HeartbeatConfig holds the default beacon staleness parameters.
type HeartbeatConfig struct {
	IntervalSec int64 `yaml:"interval_sec" json:"interval_sec"`
	GraceSec    int64 `yaml:"grace_sec" json:"grace_sec"`
}

// Default returns built-in defaults, matching constants.py.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir:        filepath.Join(home, ".slurm_shepherd"),
		PollIntervalSec: 10,
		LogLevel:        "info",
		LogFormat:       "console",
		Scheduler: SchedulerConfig{
			SqueueBin:  "squeue",
			SbatchBin:  "sbatch",
			ScancelBin: "scancel",
			SacctBin:   "sacct",
		},
		Backoff: BackoffConfig{
			BaseSec: 10,
			MaxSec:  300,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec: 30,
			GraceSec:    90,
		},
		BlacklistLimit: 64,
	}
}

// Load loads configuration with proper precedence.
// Priority: flags > env > project > home > defaults
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if homeConfig, _ := loadFromPath(homeConfigPath()); homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}

	if projectConfig, _ := loadFromPath(projectConfigPath()); projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	return cfg, nil
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".shepherd", "config.yaml")
}

func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("SHEPHERD_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".shepherd", "config.yaml")
}

func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies SHEPHERD_* environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("SHEPHERD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("SHEPHERD_POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSec = n
		}
	}
	if v := os.Getenv("SHEPHERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHEPHERD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SHEPHERD_BLACKLIST_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BlacklistLimit = n
		}
	}
	if v := os.Getenv("SHEPHERD_BACKOFF_BASE_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Backoff.BaseSec = n
		}
	}
	if v := os.Getenv("SHEPHERD_BACKOFF_MAX_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Backoff.MaxSec = n
		}
	}
	return cfg
}

// merge overlays every non-zero field of src onto dst, returning dst.
func merge(dst, src *Config) *Config {
	if src.StateDir != "" {
		dst.StateDir = src.StateDir
	}
	if src.PollIntervalSec != 0 {
		dst.PollIntervalSec = src.PollIntervalSec
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
	if src.Scheduler.SqueueBin != "" {
		dst.Scheduler.SqueueBin = src.Scheduler.SqueueBin
	}
	if src.Scheduler.SbatchBin != "" {
		dst.Scheduler.SbatchBin = src.Scheduler.SbatchBin
	}
	if src.Scheduler.ScancelBin != "" {
		dst.Scheduler.ScancelBin = src.Scheduler.ScancelBin
	}
	if src.Scheduler.SacctBin != "" {
		dst.Scheduler.SacctBin = src.Scheduler.SacctBin
	}
	if src.Backoff.BaseSec != 0 {
		dst.Backoff.BaseSec = src.Backoff.BaseSec
	}
	if src.Backoff.MaxSec != 0 {
		dst.Backoff.MaxSec = src.Backoff.MaxSec
	}
	if src.Heartbeat.IntervalSec != 0 {
		dst.Heartbeat.IntervalSec = src.Heartbeat.IntervalSec
	}
	if src.Heartbeat.GraceSec != 0 {
		dst.Heartbeat.GraceSec = src.Heartbeat.GraceSec
	}
	if src.BlacklistLimit != 0 {
		dst.BlacklistLimit = src.BlacklistLimit
	}
	return dst
}
