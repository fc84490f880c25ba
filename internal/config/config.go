package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/scttfrdmn/statecache/internal/cache"
	"github.com/scttfrdmn/statecache/pkg/utils"
)

// Configuration represents the complete statecache configuration.
type Configuration struct {
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// CacheConfig represents the in-memory cache settings. Sizes are
// human-readable strings such as "64MB".
type CacheConfig struct {
	CapacityBytes     string            `yaml:"capacity_bytes"`
	ObjectMaxBytes    string            `yaml:"object_max_bytes"`
	Buckets           int               `yaml:"buckets"`
	ProtectedFraction float64           `yaml:"protected_fraction"`
	PromotionHits     int               `yaml:"promotion_hits"`
	Compression       CompressionConfig `yaml:"compression"`
}

// CompressionConfig represents value compression settings.
type CompressionConfig struct {
	Codec   string `yaml:"codec"`
	MinSize string `yaml:"min_size"`
}

// PersistenceConfig represents snapshot persistence settings. An empty
// directory disables persistence.
type PersistenceConfig struct {
	Directory          string `yaml:"directory"`
	FileCount          int    `yaml:"file_count"`
	Compress           bool   `yaml:"compress"`
	WarmProtectMinHits int    `yaml:"warm_protect_min_hits"`
}

// MonitoringConfig represents logging and metrics settings.
type MonitoringConfig struct {
	LogLevel string        `yaml:"log_level"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			CapacityBytes:     "64MB",
			ObjectMaxBytes:    "1MB",
			Buckets:           1,
			ProtectedFraction: cache.DefaultProtectedFraction,
			PromotionHits:     cache.DefaultPromotionHits,
			Compression: CompressionConfig{
				Codec:   cache.CodecZstd,
				MinSize: "1KB",
			},
		},
		Persistence: PersistenceConfig{
			Directory:          "",
			FileCount:          3,
			Compress:           true,
			WarmProtectMinHits: 2,
		},
		Monitoring: MonitoringConfig{
			LogLevel: "INFO",
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      8080,
				Path:      "/metrics",
				Namespace: "statecache",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
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

// LoadFromEnv overrides configuration from environment variables.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("STATECACHE_CAPACITY_BYTES"); val != "" {
		c.Cache.CapacityBytes = val
	}
	if val := os.Getenv("STATECACHE_OBJECT_MAX_BYTES"); val != "" {
		c.Cache.ObjectMaxBytes = val
	}
	if val := os.Getenv("STATECACHE_BUCKETS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.Buckets = n
		}
	}
	if val := os.Getenv("STATECACHE_COMPRESSION_CODEC"); val != "" {
		c.Cache.Compression.Codec = val
	}
	if val := os.Getenv("STATECACHE_PERSIST_DIR"); val != "" {
		if strings.EqualFold(val, "none") {
			c.Persistence.Directory = ""
		} else {
			c.Persistence.Directory = val
		}
	}
	if val := os.Getenv("STATECACHE_PERSIST_FILE_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Persistence.FileCount = n
		}
	}
	if val := os.Getenv("STATECACHE_LOG_LEVEL"); val != "" {
		c.Monitoring.LogLevel = val
	}
	if val := os.Getenv("STATECACHE_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.EqualFold(val, "true")
	}
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
	capacity, err := utils.ParseBytes(c.Cache.CapacityBytes)
	if err != nil {
		return fmt.Errorf("invalid capacity_bytes: %w", err)
	}
	if capacity <= 0 {
		return fmt.Errorf("capacity_bytes must be greater than 0")
	}

	if c.Cache.ObjectMaxBytes != "" {
		if _, err := utils.ParseBytes(c.Cache.ObjectMaxBytes); err != nil {
			return fmt.Errorf("invalid object_max_bytes: %w", err)
		}
	}

	if c.Cache.Buckets < 1 {
		return fmt.Errorf("buckets must be at least 1")
	}

	if f := c.Cache.ProtectedFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("protected_fraction must be in (0, 1), got %v", f)
	}

	if _, err := cache.NewCodec(c.Cache.Compression.Codec); err != nil {
		return err
	}

	if c.Persistence.Directory != "" && c.Persistence.FileCount < 1 {
		return fmt.Errorf("persist file_count must be at least 1")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Monitoring.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Monitoring.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// CacheOptions resolves the configuration into cache client options.
func (c *Configuration) CacheOptions() (cache.Options, error) {
	if err := c.Validate(); err != nil {
		return cache.Options{}, err
	}

	capacity, _ := utils.ParseBytes(c.Cache.CapacityBytes)

	var objectMax int64
	if c.Cache.ObjectMaxBytes != "" {
		objectMax, _ = utils.ParseBytes(c.Cache.ObjectMaxBytes)
	}

	var compressMin int64
	if c.Cache.Compression.MinSize != "" {
		v, err := utils.ParseBytes(c.Cache.Compression.MinSize)
		if err != nil {
			return cache.Options{}, fmt.Errorf("invalid compression min_size: %w", err)
		}
		compressMin = v
	}

	return cache.Options{
		CapacityBytes:     capacity,
		ObjectMaxBytes:    objectMax,
		Buckets:           c.Cache.Buckets,
		ProtectedFraction: c.Cache.ProtectedFraction,
		PromotionHits:     c.Cache.PromotionHits,
		CompressionCodec:  c.Cache.Compression.Codec,
		CompressMinBytes:  int(compressMin),
	}, nil
}

// SnapshotterOptions resolves the persistence section. The second return
// is false when persistence is disabled.
func (c *Configuration) SnapshotterOptions() (cache.SnapshotterOptions, bool) {
	if c.Persistence.Directory == "" {
		return cache.SnapshotterOptions{}, false
	}
	return cache.SnapshotterOptions{
		Directory:          c.Persistence.Directory,
		FileCount:          c.Persistence.FileCount,
		Compress:           c.Persistence.Compress,
		WarmProtectMinHits: c.Persistence.WarmProtectMinHits,
	}, true
}
