package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestResolve_DerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/strata"
	cfg.Resolve()

	if cfg.Storage.Path != filepath.Join("/var/lib/strata", "cold") {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}
	if cfg.Ingest.HotDir != filepath.Join("/var/lib/strata", "hot") {
		t.Errorf("hot dir = %s", cfg.Ingest.HotDir)
	}
	if cfg.RegistryPath() != filepath.Join("/var/lib/strata", "registry.db") {
		t.Errorf("registry path = %s", cfg.RegistryPath())
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"zero subbatch size", func(c *Config) { c.Ingest.BatchSubBatchSize = 0 }},
		{"bad streaming mode", func(c *Config) { c.Ingest.StreamingMode = "buffer" }},
		{"no seal thresholds", func(c *Config) {
			c.Lifecycle.SizeThreshold = 0
			c.Lifecycle.RowThreshold = 0
		}},
		{"zero archival concurrency", func(c *Config) { c.Lifecycle.MaxConcurrentArchivals = 0 }},
		{"bad refresh mode", func(c *Config) { c.Rollup.RefreshMode = "eventually" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	content := `
data_dir: /tmp/strata-test
lifecycle:
  age_threshold: 12h
  max_concurrent_archivals: 4
rollup:
  staleness_bound: 90s
  refresh_mode: async
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.DataDir != "/tmp/strata-test" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Lifecycle.AgeThreshold != 12*time.Hour {
		t.Errorf("age_threshold = %v", cfg.Lifecycle.AgeThreshold)
	}
	if cfg.Lifecycle.MaxConcurrentArchivals != 4 {
		t.Errorf("max_concurrent_archivals = %d", cfg.Lifecycle.MaxConcurrentArchivals)
	}
	if cfg.Rollup.StalenessBound != 90*time.Second {
		t.Errorf("staleness_bound = %v", cfg.Rollup.StalenessBound)
	}
	if cfg.Rollup.RefreshMode != "async" {
		t.Errorf("refresh_mode = %s", cfg.Rollup.RefreshMode)
	}
	// Untouched fields keep defaults
	if cfg.Ingest.BatchSubBatchSize != 5000 {
		t.Errorf("batch_subbatch_size = %d", cfg.Ingest.BatchSubBatchSize)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("STRATA_DATA_DIR", "/data/x")
	t.Setenv("STRATA_STREAMING_MODE", "block")
	t.Setenv("STRATA_STALENESS_BOUND", "45s")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DataDir != "/data/x" {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if cfg.Ingest.StreamingMode != "block" {
		t.Errorf("streaming_mode = %s", cfg.Ingest.StreamingMode)
	}
	if cfg.Rollup.StalenessBound != 45*time.Second {
		t.Errorf("staleness_bound = %v", cfg.Rollup.StalenessBound)
	}
}
