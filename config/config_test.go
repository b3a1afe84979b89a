package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/replacer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, replacer.PolicyLRUK, cfg.Storage.Replacer)
	assert.False(t, cfg.Telemetry.Enabled)
}

// TestLoad_OverlaysDefaults checks that keys present in the file win and
// missing keys keep their defaults.
func TestLoad_OverlaysDefaults(t *testing.T) {
	// 1. Write a partial configuration.
	path := writeConfig(t, `
logger:
  level: debug
  format: json
storage:
  db_file: /var/lib/gojodb/data.db
  pool_size: 128
  replacer: lru
  flush_interval: 250ms
  leaf_max_size: 8
telemetry:
  enabled: true
  prometheus_port: 0
`)

	// 2. Load it.
	cfg, err := Load(path)
	require.NoError(t, err)

	// 3. File values are applied.
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "/var/lib/gojodb/data.db", cfg.Storage.DBFile)
	assert.Equal(t, 128, cfg.Storage.PoolSize)
	assert.Equal(t, replacer.PolicyLRU, cfg.Storage.Replacer)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.FlushInterval)
	assert.Equal(t, 8, cfg.Storage.LeafMaxSize)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0, cfg.Telemetry.PrometheusPort)

	// 4. Everything else keeps its default.
	assert.Equal(t, DefaultInternalMaxSize, cfg.Storage.InternalMaxSize)
	assert.Equal(t, replacer.DefaultK, cfg.Storage.ReplacerK)
	assert.Equal(t, "stderr", cfg.Logger.OutputFile)
	assert.Equal(t, "gojodb-kernel", cfg.Telemetry.ServiceName)
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"malformed yaml", "storage: [pool_size"},
		{"zero pool", "storage:\n  pool_size: 0\n"},
		{"unknown replacer", "storage:\n  replacer: clock\n"},
		{"leaf too small", "storage:\n  leaf_max_size: 1\n"},
		{"internal too small", "storage:\n  internal_max_size: 2\n"},
		{"negative flush interval", "storage:\n  flush_interval: -1s\n"},
		{"bad port", "telemetry:\n  prometheus_port: 70000\n"},
		{"bad log format", "logger:\n  format: xml\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Storage.DBFile = ""
	cfg.Storage.PoolSize = -1

	err := cfg.Validate()
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "db_file")
	assert.Contains(t, err.Error(), "pool_size")
}
