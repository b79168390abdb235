package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultIsValid(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.True(t, cfg.Global.EnableL2)
	assert.False(t, cfg.Global.EnableL3)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := NewDefault()
	cfg.Redis.Addr = "redis.internal:6380"
	cfg.Memory.MaxEntries = 4242
	cfg.Warming.Interval = 90 * time.Second

	path := filepath.Join(t.TempDir(), "tiercache.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "redis.internal:6380", loaded.Redis.Addr)
	assert.Equal(t, 4242, loaded.Memory.MaxEntries)
	assert.Equal(t, 90*time.Second, loaded.Warming.Interval)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("TIERCACHE_LOG_LEVEL", "DEBUG")
	t.Setenv("TIERCACHE_REDIS_ADDR", "cache-0:6379")
	t.Setenv("TIERCACHE_MEMORY_MAX_SIZE", "256MB")
	t.Setenv("TIERCACHE_ENABLE_L3", "true")
	t.Setenv("TIERCACHE_S3_BUCKET", "edge-cache")
	t.Setenv("TIERCACHE_WARMING_INTERVAL", "2m")
	t.Setenv("TIERCACHE_METRICS_PORT", "9191")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, "cache-0:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(256<<20), cfg.Memory.MaxBytes)
	assert.True(t, cfg.Global.EnableL3)
	assert.Equal(t, "edge-cache", cfg.S3.Bucket)
	assert.Equal(t, 2*time.Minute, cfg.Warming.Interval)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "verbose" }},
		{"shards not power of two", func(c *Configuration) { c.Memory.Shards = 12 }},
		{"l2 without addr", func(c *Configuration) { c.Redis.Addr = "" }},
		{"l3 without bucket", func(c *Configuration) { c.Global.EnableL3 = true; c.S3.Bucket = "" }},
		{"hit rate out of range", func(c *Configuration) { c.Health.Thresholds.MinHitRate = 1.5 }},
		{"error rate out of range", func(c *Configuration) { c.Health.Thresholds.MaxErrorRate = -0.1 }},
		{"bad metrics port", func(c *Configuration) { c.Metrics.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512MB", 512 << 20, false},
		{"1GB", 1 << 30, false},
		{"4GiB", 4 << 30, false},
		{"100KB", 100 << 10, false},
		{"1.5GB", 3 << 29, false},
		{"2048", 2048, false},
		{"64B", 64, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
