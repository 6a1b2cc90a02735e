// Package config provides unified configuration for the Factline pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factline/factline/pkg/types"
)

// Config holds the full pipeline configuration.
type Config struct {
	// DataDir is the base directory for local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Pipeline holds batch-processing knobs
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Archive holds archival batching and retry settings
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Aggregation holds counter-update retry settings
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`

	// Storage selects and configures the archive object store
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// Workers bounds the per-record worker pool for decode/validate/enrich
	Workers int `json:"workers" yaml:"workers"`

	// BatchDeadline is the overall processing deadline per batch call;
	// records unfinished at the deadline are reported as retry
	BatchDeadline time.Duration `json:"batch_deadline" yaml:"batch_deadline"`

	// EnrichTimeout bounds each assignment store lookup
	EnrichTimeout time.Duration `json:"enrich_timeout" yaml:"enrich_timeout"`

	// TimeBucket is the aggregation bucket width: hour or day
	TimeBucket types.BucketWidth `json:"time_bucket" yaml:"time_bucket"`
}

// ArchiveConfig holds archival settings.
type ArchiveConfig struct {
	// MaxBatchBytes caps the uncompressed size of one archive batch
	MaxBatchBytes int `json:"max_batch_bytes" yaml:"max_batch_bytes"`

	// MaxBatchEvents caps the event count of one archive batch
	MaxBatchEvents int `json:"max_batch_events" yaml:"max_batch_events"`

	// RetryAttempts is the max write attempts per batch (including the first)
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts"`

	// RetryBackoff is the initial backoff between attempts; doubles per retry
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// Prefix is the object path prefix for archive batches
	Prefix string `json:"prefix" yaml:"prefix"`
}

// AggregationConfig holds counter-update settings.
type AggregationConfig struct {
	// RetryAttempts is the max apply attempts per key (including the first)
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts"`

	// RetryBackoff is the initial backoff after a conflict; doubles per retry
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// DBPath is the SQLite aggregation store path
	DBPath string `json:"db_path" yaml:"db_path"`

	// AssignmentDBPath is the SQLite assignment store path
	AssignmentDBPath string `json:"assignment_db_path" yaml:"assignment_db_path"`
}

// StorageConfig holds archive store configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive store configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/factline",
		Pipeline: PipelineConfig{
			Workers:       8,
			BatchDeadline: 30 * time.Second,
			EnrichTimeout: 250 * time.Millisecond,
			TimeBucket:    types.BucketHour,
		},
		Archive: ArchiveConfig{
			MaxBatchBytes:  5 * 1024 * 1024,
			MaxBatchEvents: 1000,
			RetryAttempts:  3,
			RetryBackoff:   100 * time.Millisecond,
			Prefix:         "events",
		},
		Aggregation: AggregationConfig{
			RetryAttempts: 5,
			RetryBackoff:  50 * time.Millisecond,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/factline"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Aggregation.DBPath == "" {
		c.Aggregation.DBPath = filepath.Join(c.DataDir, "aggregates.db")
	}
	if c.Aggregation.AssignmentDBPath == "" {
		c.Aggregation.AssignmentDBPath = filepath.Join(c.DataDir, "assignments.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Pipeline.TimeBucket {
	case types.BucketHour, types.BucketDay:
		// Valid widths
	default:
		return fmt.Errorf("invalid time_bucket: %s (must be hour or day)", c.Pipeline.TimeBucket)
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}

	if c.Archive.MaxBatchBytes < 1 || c.Archive.MaxBatchBytes > 5*1024*1024 {
		return fmt.Errorf("archive.max_batch_bytes must be between 1 and %d, got %d", 5*1024*1024, c.Archive.MaxBatchBytes)
	}
	if c.Archive.MaxBatchEvents < 1 || c.Archive.MaxBatchEvents > 1000 {
		return fmt.Errorf("archive.max_batch_events must be between 1 and 1000, got %d", c.Archive.MaxBatchEvents)
	}
	if c.Archive.RetryAttempts < 1 {
		return fmt.Errorf("archive.retry_attempts must be at least 1, got %d", c.Archive.RetryAttempts)
	}
	if c.Aggregation.RetryAttempts < 1 {
		return fmt.Errorf("aggregation.retry_attempts must be at least 1, got %d", c.Aggregation.RetryAttempts)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
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
// Environment variables use the FACTLINE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FACTLINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Pipeline configuration
	if v := os.Getenv("FACTLINE_PIPELINE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.Workers)
	}
	if v := os.Getenv("FACTLINE_PIPELINE_BATCH_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.BatchDeadline = d
		}
	}
	if v := os.Getenv("FACTLINE_PIPELINE_ENRICH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.EnrichTimeout = d
		}
	}
	if v := os.Getenv("FACTLINE_PIPELINE_TIME_BUCKET"); v != "" {
		cfg.Pipeline.TimeBucket = types.BucketWidth(v)
	}

	// Archive configuration
	if v := os.Getenv("FACTLINE_ARCHIVE_MAX_BATCH_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.MaxBatchBytes)
	}
	if v := os.Getenv("FACTLINE_ARCHIVE_MAX_BATCH_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.MaxBatchEvents)
	}
	if v := os.Getenv("FACTLINE_ARCHIVE_RETRY_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.RetryAttempts)
	}
	if v := os.Getenv("FACTLINE_ARCHIVE_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.RetryBackoff = d
		}
	}

	// Aggregation configuration
	if v := os.Getenv("FACTLINE_AGGREGATION_RETRY_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Aggregation.RetryAttempts)
	}
	if v := os.Getenv("FACTLINE_AGGREGATION_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregation.RetryBackoff = d
		}
	}

	// Storage configuration
	if v := os.Getenv("FACTLINE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("FACTLINE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FACTLINE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FACTLINE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("FACTLINE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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
