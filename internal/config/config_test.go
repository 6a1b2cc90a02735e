package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline/factline/pkg/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, types.BucketHour, cfg.Pipeline.TimeBucket)
	assert.Equal(t, 5*1024*1024, cfg.Archive.MaxBatchBytes)
	assert.Equal(t, 1000, cfg.Archive.MaxBatchEvents)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad bucket width", func(c *Config) { c.Pipeline.TimeBucket = "week" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"oversize archive batch", func(c *Config) { c.Archive.MaxBatchBytes = 6 * 1024 * 1024 }},
		{"oversize archive count", func(c *Config) { c.Archive.MaxBatchEvents = 1001 }},
		{"zero archive attempts", func(c *Config) { c.Archive.RetryAttempts = 0 }},
		{"zero aggregation attempts", func(c *Config) { c.Aggregation.RetryAttempts = 0 }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3"; c.Storage.S3.Bucket = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveFillsPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/factline-test"
	cfg.Resolve()

	assert.Equal(t, filepath.Join(cfg.DataDir, "archive"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "aggregates.db"), cfg.Aggregation.DBPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "assignments.db"), cfg.Aggregation.AssignmentDBPath)
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "factline.yaml")
	content := []byte(`
data_dir: /var/lib/factline
pipeline:
  workers: 4
  batch_deadline: 10s
  time_bucket: day
archive:
  max_batch_events: 500
storage:
  type: s3
  s3:
    bucket: factline-archive
    region: eu-west-1
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/factline", cfg.DataDir)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.BatchDeadline)
	assert.Equal(t, types.BucketDay, cfg.Pipeline.TimeBucket)
	assert.Equal(t, 500, cfg.Archive.MaxBatchEvents)
	assert.Equal(t, "factline-archive", cfg.Storage.S3.Bucket)
	// Defaults survive partial files
	assert.Equal(t, 5*1024*1024, cfg.Archive.MaxBatchBytes)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("FACTLINE_PIPELINE_WORKERS", "16")
	t.Setenv("FACTLINE_PIPELINE_TIME_BUCKET", "day")
	t.Setenv("FACTLINE_ARCHIVE_RETRY_ATTEMPTS", "7")
	t.Setenv("FACTLINE_S3_ENDPOINT", "http://localhost:9000")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, 16, cfg.Pipeline.Workers)
	assert.Equal(t, types.BucketDay, cfg.Pipeline.TimeBucket)
	assert.Equal(t, 7, cfg.Archive.RetryAttempts)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.S3.Endpoint)
}
