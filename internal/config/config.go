// Package config assembles the full engine configuration from defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/health"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/internal/optimizer"
	"github.com/tiercache/tiercache/internal/tier"
	"github.com/tiercache/tiercache/internal/warming"
)

// Configuration represents the complete engine configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Memory      tier.MemoryConfig `yaml:"memory"`
	Redis       tier.RedisConfig  `yaml:"redis"`
	S3          tier.S3Config     `yaml:"s3"`
	Coordinator cache.Config      `yaml:"coordinator"`
	Warming     warming.Config    `yaml:"warming"`
	Optimizer   optimizer.Config  `yaml:"optimizer"`
	Health      health.Config     `yaml:"health"`
	Metrics     metrics.Config    `yaml:"metrics"`
}

// GlobalConfig represents settings that apply across components.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// EnableL2/EnableL3 switch the remote tiers on. L1 is always on; an
	// L1-only deployment is just a process-local cache.
	EnableL2 bool `yaml:"enable_l2"`
	EnableL3 bool `yaml:"enable_l3"`
}

// NewDefault returns a configuration with sensible defaults: a 512MB L1,
// local Redis L2, no L3, warming every five minutes.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
			EnableL2:  true,
			EnableL3:  false,
		},
		Memory:      tier.DefaultMemoryConfig(),
		Redis:       tier.DefaultRedisConfig(),
		S3:          tier.DefaultS3Config(),
		Coordinator: cache.DefaultConfig(),
		Warming:     warming.DefaultConfig(),
		Optimizer:   optimizer.DefaultConfig(),
		Health:      health.DefaultConfig(),
		Metrics:     metrics.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current
// values.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies TIERCACHE_* environment overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("TIERCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("TIERCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("TIERCACHE_ENABLE_L2"); val != "" {
		c.Global.EnableL2 = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TIERCACHE_ENABLE_L3"); val != "" {
		c.Global.EnableL3 = strings.ToLower(val) == "true"
	}

	// Memory tier
	if val := os.Getenv("TIERCACHE_MEMORY_MAX_SIZE"); val != "" {
		if size, err := ParseSize(val); err == nil {
			c.Memory.MaxBytes = size
		}
	}
	if val := os.Getenv("TIERCACHE_MEMORY_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Memory.MaxEntries = n
		}
	}

	// Redis tier
	if val := os.Getenv("TIERCACHE_REDIS_ADDR"); val != "" {
		c.Redis.Addr = val
	}
	if val := os.Getenv("TIERCACHE_REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}
	if val := os.Getenv("TIERCACHE_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			c.Redis.DB = db
		}
	}
	if val := os.Getenv("TIERCACHE_REDIS_PREFIX"); val != "" {
		c.Redis.Prefix = val
	}

	// S3 tier
	if val := os.Getenv("TIERCACHE_S3_BUCKET"); val != "" {
		c.S3.Bucket = val
	}
	if val := os.Getenv("TIERCACHE_S3_REGION"); val != "" {
		c.S3.Region = val
	}
	if val := os.Getenv("TIERCACHE_S3_ENDPOINT"); val != "" {
		c.S3.Endpoint = val
	}
	if val := os.Getenv("TIERCACHE_S3_PREFIX"); val != "" {
		c.S3.Prefix = val
	}

	// Background services
	if val := os.Getenv("TIERCACHE_WARMING_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Warming.Interval = d
		}
	}
	if val := os.Getenv("TIERCACHE_HEALTH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Health.Interval = d
		}
	}
	if val := os.Getenv("TIERCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TIERCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Memory.MaxBytes < 0 {
		return fmt.Errorf("memory max_bytes cannot be negative")
	}
	if c.Memory.Shards != 0 && (c.Memory.Shards&(c.Memory.Shards-1)) != 0 {
		return fmt.Errorf("memory shards must be a power of two, got %d", c.Memory.Shards)
	}
	if c.Global.EnableL2 && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when the L2 tier is enabled")
	}
	if c.Global.EnableL3 && c.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket is required when the L3 tier is enabled")
	}

	th := c.Health.Thresholds
	if th.MinHitRate < 0 || th.MinHitRate > 1 {
		return fmt.Errorf("health min_hit_rate must be within [0, 1], got %v", th.MinHitRate)
	}
	if th.MaxErrorRate < 0 || th.MaxErrorRate > 1 {
		return fmt.Errorf("health max_error_rate must be within [0, 1], got %v", th.MaxErrorRate)
	}
	if c.Health.RecoverAfter < 0 || c.Health.DegradedAfter < 0 {
		return fmt.Errorf("health state thresholds cannot be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}

// ParseSize parses a human-readable size like "512MB" or "4GiB" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30}, {"TIB", 1 << 40},
		{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}, {"TB", 1 << 40},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			value, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			if value < 0 {
				return 0, fmt.Errorf("negative size %q", s)
			}
			return int64(value * float64(m.factor)), nil
		}
	}

	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return value, nil
}
