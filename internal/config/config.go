// Package config handles the global ~/.wastore/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/wastore/internal/batch"
)

// Config represents the global ~/.wastore/config.toml.
type Config struct {
	DefaultSession string     `toml:"default_session"`
	Sync           SyncConfig `toml:"sync"`
}

// SyncConfig tunes the write pipeline. Zero values mean "use the built-in
// volume table".
type SyncConfig struct {
	BatchSize        int `toml:"batch_size"`
	MaxConcurrency   int `toml:"max_concurrency"`
	BatchTimeoutSecs int `toml:"batch_timeout_secs"`
}

// BatchTiers converts the sync tuning into a batch plan override. Returns nil
// when no override is set, so callers fall back to the default tiers.
func (c *Config) BatchTiers() []batch.Tier {
	s := c.Sync
	if s.BatchSize <= 0 {
		return nil
	}
	plan := batch.Config{
		BatchSize:      s.BatchSize,
		MaxConcurrency: s.MaxConcurrency,
		Timeout:        time.Duration(s.BatchTimeoutSecs) * time.Second,
	}
	if plan.MaxConcurrency <= 0 {
		plan.MaxConcurrency = 1
	}
	if plan.Timeout <= 0 {
		plan.Timeout = 30 * time.Second
	}
	return []batch.Tier{{Above: 0, Plan: plan}}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
