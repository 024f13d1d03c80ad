package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// parseMemorySize Tests
// =============================================================================

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"bytes numeric", "1024", 1024},
		{"bytes with B suffix", "1024B", 1024},
		{"kilobytes", "1KB", 1024},
		{"megabytes", "32MB", 32 * 1024 * 1024},
		{"megabytes lowercase", "512mb", 512 * 1024 * 1024},
		{"gigabytes", "1G", 1024 * 1024 * 1024},
		{"whitespace", "  2GB  ", 2 * 1024 * 1024 * 1024},
		{"zero", "0", 0},
		{"empty string", "", 0},
		{"invalid chars", "abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "provenance", cfg.Engine.BaseLabel)
	assert.Equal(t, "memory", cfg.Storage.Engine)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PROVGRAPH_STORAGE_ENGINE", "badger")
	t.Setenv("PROVGRAPH_DATA_DIR", "/tmp/prov")
	t.Setenv("PROVGRAPH_GC_INTERVAL", "90")
	t.Setenv("PROVGRAPH_MAX_SESSIONS", "4")
	t.Setenv("PROVGRAPH_BATCH_STATEMENTS", "yes")

	cfg := LoadFromEnv()
	assert.Equal(t, "badger", cfg.Storage.Engine)
	assert.Equal(t, "/tmp/prov", cfg.Storage.DataDir)
	assert.Equal(t, 90*time.Second, cfg.Engine.GCInterval)
	assert.Equal(t, 4, cfg.Server.MaxConcurrentSessions)
	assert.True(t, cfg.Engine.BatchStatements)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provgraph.yaml")
	content := []byte(`
storage:
  engine: badger
  in_memory: true
engine:
  base_label: Vertex
  gc_interval: 5m
server:
  port: 9000
logging:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	t.Setenv("PROVGRAPH_HTTP_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Storage.Engine)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "Vertex", cfg.Engine.BaseLabel)
	assert.Equal(t, 5*time.Minute, cfg.Engine.GCInterval)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	// untouched keys keep their defaults
	assert.Equal(t, 4096, cfg.Engine.ExportLimit)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown engine", func(c *Config) { c.Storage.Engine = "postgres" }},
		{"badger without dir", func(c *Config) { c.Storage.Engine = "badger"; c.Storage.DataDir = "" }},
		{"empty base label", func(c *Config) { c.Engine.BaseLabel = "" }},
		{"internal base label", func(c *Config) { c.Engine.BaseLabel = "graph_1" }},
		{"zero export limit", func(c *Config) { c.Engine.ExportLimit = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"no sessions", func(c *Config) { c.Server.MaxConcurrentSessions = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStringOmitsNothingSensitive(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, "memory")
	assert.Contains(t, s, "provenance")
}
