package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		Sync: SyncConfig{
			BatchSize:        250,
			MaxConcurrency:   4,
			BatchTimeoutSecs: 20,
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Sync.BatchSize != 250 {
		t.Errorf("Sync.BatchSize = %d, want 250", loaded.Sync.BatchSize)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestBatchTiersDefault(t *testing.T) {
	cfg := &Config{}
	if tiers := cfg.BatchTiers(); tiers != nil {
		t.Errorf("BatchTiers() = %v, want nil for unset config", tiers)
	}
}

func TestBatchTiersOverride(t *testing.T) {
	cfg := &Config{Sync: SyncConfig{BatchSize: 100}}
	tiers := cfg.BatchTiers()
	if len(tiers) != 1 {
		t.Fatalf("len(tiers) = %d, want 1", len(tiers))
	}
	plan := tiers[0].Plan
	if plan.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", plan.BatchSize)
	}
	if plan.MaxConcurrency != 1 {
		t.Errorf("MaxConcurrency = %d, want 1 default", plan.MaxConcurrency)
	}
	if plan.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s default", plan.Timeout)
	}
}
