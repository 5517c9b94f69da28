// Package config provides unified configuration for all Strata services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Strata engine.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Ingest configuration (bulk loader and streaming buffer)
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Lifecycle configuration (sealing, archival, retirement policy)
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Rollup configuration
	Rollup RollupConfig `json:"rollup" yaml:"rollup"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// IngestConfig holds bulk loader and streaming buffer configuration.
type IngestConfig struct {
	// HotDir is the directory for hot-tier partition files
	HotDir string `json:"hot_dir" yaml:"hot_dir"`

	// BatchSubBatchSize is the number of records applied per sub-batch.
	// The (batch_id, offset) pair forms the retry idempotency key.
	BatchSubBatchSize int `json:"batch_subbatch_size" yaml:"batch_subbatch_size"`

	// StreamingQueueCapacity bounds each streaming buffer queue
	StreamingQueueCapacity int `json:"streaming_queue_capacity" yaml:"streaming_queue_capacity"`

	// StreamingMode is "reject" (signal busy) or "block" (backpressure by blocking)
	StreamingMode string `json:"streaming_mode" yaml:"streaming_mode"`

	// DrainBatchSize is the number of buffered events merged per drain pass
	DrainBatchSize int `json:"drain_batch_size" yaml:"drain_batch_size"`
}

// LifecycleConfig holds partition lifecycle policy. These are policy inputs,
// not hardcoded behavior.
type LifecycleConfig struct {
	// TickInterval is how often the lifecycle controller runs a pass
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// AgeThreshold seals an OPEN partition once it is this old
	AgeThreshold time.Duration `json:"age_threshold" yaml:"age_threshold"`

	// SizeThreshold seals an OPEN partition once it reaches this many bytes
	SizeThreshold int64 `json:"size_threshold" yaml:"size_threshold"`

	// RowThreshold seals an OPEN partition once it reaches this many rows
	RowThreshold int64 `json:"row_threshold" yaml:"row_threshold"`

	// MaxConcurrentArchivals bounds parallel archival pipeline instances
	MaxConcurrentArchivals int `json:"max_concurrent_archivals" yaml:"max_concurrent_archivals"`

	// RetentionAfterRetire is the grace period between a partition reaching
	// COLD and its hot copy being reclaimed, allowing in-flight queries
	// against the hot copy to complete
	RetentionAfterRetire time.Duration `json:"retention_after_retire" yaml:"retention_after_retire"`
}

// QueryConfig holds query federation configuration.
type QueryConfig struct {
	// DownloadDir is the directory for downloaded cold partitions
	DownloadDir string `json:"download_dir" yaml:"download_dir"`

	// Concurrency is the number of parallel partition sub-queries
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// SubQueryTimeout is the per-partition sub-query deadline
	SubQueryTimeout time.Duration `json:"subquery_timeout" yaml:"subquery_timeout"`

	// MaxCacheBytes is the maximum total size of cached cold partition files
	MaxCacheBytes int64 `json:"max_cache_bytes" yaml:"max_cache_bytes"`
}

// RollupConfig holds aggregate rollup cache configuration.
type RollupConfig struct {
	// StalenessBound is the maximum allowed age of a cached aggregate
	StalenessBound time.Duration `json:"staleness_bound" yaml:"staleness_bound"`

	// RefreshMode is "sync" (caller waits for refresh) or "async"
	// (caller gets the stale value plus a flag)
	RefreshMode string `json:"refresh_mode" yaml:"refresh_mode"`
}

// StorageConfig holds cold storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/strata",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Ingest: IngestConfig{
			BatchSubBatchSize:      5000,
			StreamingQueueCapacity: 4096,
			StreamingMode:          "reject",
			DrainBatchSize:         512,
		},
		Lifecycle: LifecycleConfig{
			TickInterval:           time.Minute,
			AgeThreshold:           24 * time.Hour,
			SizeThreshold:          64 * 1024 * 1024,
			RowThreshold:           1_000_000,
			MaxConcurrentArchivals: 2,
			RetentionAfterRetire:   time.Hour,
		},
		Query: QueryConfig{
			Concurrency:     10,
			SubQueryTimeout: 30 * time.Second,
			MaxCacheBytes:   10 * 1024 * 1024 * 1024,
		},
		Rollup: RollupConfig{
			StalenessBound: 5 * time.Minute,
			RefreshMode:    "sync",
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/strata"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "cold")
	}
	if c.Ingest.HotDir == "" {
		c.Ingest.HotDir = filepath.Join(c.DataDir, "hot")
	}
	if c.Query.DownloadDir == "" {
		c.Query.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
}

// RegistryPath returns the path to the partition registry database.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Ingest.BatchSubBatchSize <= 0 {
		return fmt.Errorf("ingest.batch_subbatch_size must be positive, got %d", c.Ingest.BatchSubBatchSize)
	}
	if c.Ingest.StreamingQueueCapacity <= 0 {
		return fmt.Errorf("ingest.streaming_queue_capacity must be positive, got %d", c.Ingest.StreamingQueueCapacity)
	}
	if c.Ingest.StreamingMode != "reject" && c.Ingest.StreamingMode != "block" {
		return fmt.Errorf("invalid streaming_mode: %s (must be reject or block)", c.Ingest.StreamingMode)
	}

	if c.Lifecycle.TickInterval <= 0 {
		return fmt.Errorf("lifecycle.tick_interval must be positive")
	}
	if c.Lifecycle.AgeThreshold <= 0 {
		return fmt.Errorf("lifecycle.age_threshold must be positive")
	}
	if c.Lifecycle.SizeThreshold <= 0 && c.Lifecycle.RowThreshold <= 0 {
		return fmt.Errorf("lifecycle requires a size_threshold or row_threshold")
	}
	if c.Lifecycle.MaxConcurrentArchivals <= 0 {
		return fmt.Errorf("lifecycle.max_concurrent_archivals must be positive, got %d", c.Lifecycle.MaxConcurrentArchivals)
	}

	if c.Rollup.RefreshMode != "sync" && c.Rollup.RefreshMode != "async" {
		return fmt.Errorf("invalid rollup refresh_mode: %s (must be sync or async)", c.Rollup.RefreshMode)
	}
	if c.Rollup.StalenessBound <= 0 {
		return fmt.Errorf("rollup.staleness_bound must be positive")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STRATA_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STRATA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STRATA_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Ingest configuration
	if v := os.Getenv("STRATA_BATCH_SUBBATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.BatchSubBatchSize)
	}
	if v := os.Getenv("STRATA_STREAMING_QUEUE_CAPACITY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.StreamingQueueCapacity)
	}
	if v := os.Getenv("STRATA_STREAMING_MODE"); v != "" {
		cfg.Ingest.StreamingMode = v
	}

	// Lifecycle configuration
	if v := os.Getenv("STRATA_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.TickInterval = d
		}
	}
	if v := os.Getenv("STRATA_AGE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.AgeThreshold = d
		}
	}
	if v := os.Getenv("STRATA_SIZE_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Lifecycle.SizeThreshold)
	}
	if v := os.Getenv("STRATA_MAX_CONCURRENT_ARCHIVALS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Lifecycle.MaxConcurrentArchivals)
	}
	if v := os.Getenv("STRATA_RETENTION_AFTER_RETIRE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.RetentionAfterRetire = d
		}
	}

	// Query configuration
	if v := os.Getenv("STRATA_QUERY_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.Concurrency)
	}

	// Rollup configuration
	if v := os.Getenv("STRATA_STALENESS_BOUND"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rollup.StalenessBound = d
		}
	}
	if v := os.Getenv("STRATA_ROLLUP_REFRESH_MODE"); v != "" {
		cfg.Rollup.RefreshMode = v
	}

	// Storage configuration
	if v := os.Getenv("STRATA_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STRATA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STRATA_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STRATA_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("STRATA_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.Ingest.HotDir,
		c.Query.DownloadDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
