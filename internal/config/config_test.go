package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.PollIntervalSec != 10 {
		t.Fatalf("PollIntervalSec = %d, want 10", cfg.PollIntervalSec)
	}
	if cfg.Backoff.BaseSec != 10 || cfg.Backoff.MaxSec != 300 {
		t.Fatalf("Backoff = %+v", cfg.Backoff)
	}
	if cfg.Heartbeat.IntervalSec != 30 || cfg.Heartbeat.GraceSec != 90 {
		t.Fatalf("Heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.Scheduler.SbatchBin != "sbatch" {
		t.Fatalf("Scheduler.SbatchBin = %q, want sbatch", cfg.Scheduler.SbatchBin)
	}
}

func TestLoadAppliesEnvOverDefaults(t *testing.T) {
	t.Setenv("SHEPHERD_POLL_INTERVAL_SEC", "42")
	t.Setenv("SHEPHERD_STATE_DIR", "")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSec != 42 {
		t.Fatalf("PollIntervalSec = %d, want 42", cfg.PollIntervalSec)
	}
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	t.Setenv("SHEPHERD_POLL_INTERVAL_SEC", "42")
	cfg, err := Load(&Config{PollIntervalSec: 99})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSec != 99 {
		t.Fatalf("PollIntervalSec = %d, want 99 (flag wins)", cfg.PollIntervalSec)
	}
}

func TestLoadFromProjectFile(t *testing.T) {
	dir := t.TempDir()
	shepherdDir := filepath.Join(dir, ".shepherd")
	if err := os.MkdirAll(shepherdDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	cfgPath := filepath.Join(shepherdDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("poll_interval_sec: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SHEPHERD_CONFIG", cfgPath)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSec != 7 {
		t.Fatalf("PollIntervalSec = %d, want 7", cfg.PollIntervalSec)
	}
}
