// Package config loads the YAML configuration shared by the gojodb-kernel
// binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/replacer"
	"github.com/sushant-115/gojodb-kernel/pkg/logger"
	"github.com/sushant-115/gojodb-kernel/pkg/telemetry"
)

const (
	DefaultDBFile              = "gojodb.db"
	DefaultPoolSize            = 64
	DefaultFlushInterval       = time.Second
	DefaultFlushPagesPerSecond = 256
	DefaultLeafMaxSize         = 32
	DefaultInternalMaxSize     = 32
)

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   StorageConfig    `yaml:"storage"`
}

// StorageConfig sizes the buffer pool and the index built on top of it.
type StorageConfig struct {
	DBFile string `yaml:"db_file"`
	// PoolSize is the number of page frames held in memory.
	PoolSize  int    `yaml:"pool_size"`
	Replacer  string `yaml:"replacer"`
	ReplacerK int    `yaml:"replacer_k"`
	// FlushInterval is the background flusher's tick. Zero disables it.
	FlushInterval       time.Duration `yaml:"flush_interval"`
	FlushPagesPerSecond int           `yaml:"flush_pages_per_second"`
	// BackupBytesPerSecond throttles backups. Zero copies at full speed.
	BackupBytesPerSecond int64 `yaml:"backup_bytes_per_second"`
	LeafMaxSize          int   `yaml:"leaf_max_size"`
	InternalMaxSize      int   `yaml:"internal_max_size"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	return &Config{
		Logger: logger.Config{
			Level:       "info",
			Format:      "console",
			OutputFile:  "stderr",
			ServiceName: "gojodb-kernel",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojodb-kernel",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Storage: StorageConfig{
			DBFile:              DefaultDBFile,
			PoolSize:            DefaultPoolSize,
			Replacer:            replacer.PolicyLRUK,
			ReplacerK:           replacer.DefaultK,
			FlushInterval:       DefaultFlushInterval,
			FlushPagesPerSecond: DefaultFlushPagesPerSecond,
			LeafMaxSize:         DefaultLeafMaxSize,
			InternalMaxSize:     DefaultInternalMaxSize,
		},
	}
}

// Load reads path over the defaults and validates the result. Keys missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", flushmanager.ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", flushmanager.ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	s := c.Storage
	if strings.TrimSpace(s.DBFile) == "" {
		invalid("storage.db_file is required")
	}
	if s.PoolSize <= 0 {
		invalid("storage.pool_size must be positive, got %d", s.PoolSize)
	}
	if _, err := replacer.NewReplacer(s.Replacer, 1, s.ReplacerK); err != nil {
		invalid("storage.replacer: %v", err)
	}
	if s.ReplacerK < 0 {
		invalid("storage.replacer_k must not be negative, got %d", s.ReplacerK)
	}
	if s.FlushInterval < 0 {
		invalid("storage.flush_interval must not be negative, got %s", s.FlushInterval)
	}
	if s.FlushPagesPerSecond < 0 {
		invalid("storage.flush_pages_per_second must not be negative, got %d", s.FlushPagesPerSecond)
	}
	if s.BackupBytesPerSecond < 0 {
		invalid("storage.backup_bytes_per_second must not be negative, got %d", s.BackupBytesPerSecond)
	}
	if s.LeafMaxSize < 2 {
		invalid("storage.leaf_max_size must be at least 2, got %d", s.LeafMaxSize)
	}
	if s.InternalMaxSize < 3 {
		invalid("storage.internal_max_size must be at least 3, got %d", s.InternalMaxSize)
	}

	t := c.Telemetry
	if t.PrometheusPort < 0 || t.PrometheusPort > 65535 {
		invalid("telemetry.prometheus_port out of range: %d", t.PrometheusPort)
	}
	switch strings.ToLower(c.Logger.Format) {
	case "", "json", "console":
	default:
		invalid("logger.format must be json or console, got %q", c.Logger.Format)
	}
	return errors.Join(errs...)
}
