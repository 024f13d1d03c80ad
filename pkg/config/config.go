// Package config loads provgraph configuration from a YAML file and
// PROVGRAPH_* environment variables.
//
// Precedence is defaults, then the YAML file (when one is given), then the
// environment. Validate should be called before the configuration is used.
//
// Example Usage:
//
//	cfg, err := config.Load("./provgraph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//   - PROVGRAPH_STORAGE_ENGINE=memory|badger
//   - PROVGRAPH_DATA_DIR=./data
//   - PROVGRAPH_STORAGE_IN_MEMORY=false
//   - PROVGRAPH_STORAGE_SYNC_WRITES=false
//   - PROVGRAPH_STORAGE_BLOCK_CACHE=32MB
//   - PROVGRAPH_BASE_LABEL=provenance
//   - PROVGRAPH_EXPORT_LIMIT=4096
//   - PROVGRAPH_BATCH_STATEMENTS=false
//   - PROVGRAPH_GC_INTERVAL=0 (disabled)
//   - PROVGRAPH_HTTP_ADDRESS=0.0.0.0
//   - PROVGRAPH_HTTP_PORT=7480
//   - PROVGRAPH_MAX_SESSIONS=16
//   - PROVGRAPH_REQUEST_TIMEOUT=60s
//   - PROVGRAPH_LOG_LEVEL=info
//   - PROVGRAPH_LOG_FORMAT=text|json
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the complete provgraph configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and tunes the graph store.
type StorageConfig struct {
	// Engine is a registered backend name ("memory" or "badger").
	Engine string `yaml:"engine"`
	// DataDir is the badger directory. Ignored by the memory engine.
	DataDir string `yaml:"data_dir"`
	// InMemory runs badger without touching disk.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces an fsync after each badger commit.
	SyncWrites bool `yaml:"sync_writes"`
	// BlockCache is a human-readable size such as "32MB".
	BlockCache string `yaml:"block_cache"`
}

// EngineConfig holds query engine settings.
type EngineConfig struct {
	// BaseLabel is the vertex label carried by every ingested vertex.
	// It doubles as the internal name of the base graph.
	BaseLabel string `yaml:"base_label"`
	// ExportLimit caps exports that are not forced.
	ExportLimit int `yaml:"export_limit"`
	// BatchStatements groups the statements of one instruction into a
	// single backend batch.
	BatchStatements bool `yaml:"batch_statements"`
	// GCInterval runs the garbage collector periodically. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address               string        `yaml:"address"`
	Port                  int           `yaml:"port"`
	MaxConcurrentSessions int           `yaml:"max_sessions"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

// LoggingConfig holds logrus settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (text, json)
	Format string `yaml:"format"`
}

var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:     "memory",
			DataDir:    "./data",
			BlockCache: "32MB",
		},
		Engine: EngineConfig{
			BaseLabel:   "provenance",
			ExportLimit: 4096,
		},
		Server: ServerConfig{
			Address:               "0.0.0.0",
			Port:                  7480,
			MaxConcurrentSessions: 16,
			RequestTimeout:        60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv returns the defaults overridden by the environment.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Engine = getEnv("PROVGRAPH_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataDir = getEnv("PROVGRAPH_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("PROVGRAPH_STORAGE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("PROVGRAPH_STORAGE_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.BlockCache = getEnv("PROVGRAPH_STORAGE_BLOCK_CACHE", c.Storage.BlockCache)

	c.Engine.BaseLabel = getEnv("PROVGRAPH_BASE_LABEL", c.Engine.BaseLabel)
	c.Engine.ExportLimit = getEnvInt("PROVGRAPH_EXPORT_LIMIT", c.Engine.ExportLimit)
	c.Engine.BatchStatements = getEnvBool("PROVGRAPH_BATCH_STATEMENTS", c.Engine.BatchStatements)
	c.Engine.GCInterval = getEnvDuration("PROVGRAPH_GC_INTERVAL", c.Engine.GCInterval)

	c.Server.Address = getEnv("PROVGRAPH_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("PROVGRAPH_HTTP_PORT", c.Server.Port)
	c.Server.MaxConcurrentSessions = getEnvInt("PROVGRAPH_MAX_SESSIONS", c.Server.MaxConcurrentSessions)
	c.Server.RequestTimeout = getEnvDuration("PROVGRAPH_REQUEST_TIMEOUT", c.Server.RequestTimeout)

	c.Logging.Level = getEnv("PROVGRAPH_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("PROVGRAPH_LOG_FORMAT", c.Logging.Format)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "memory":
	case "badger":
		if !c.Storage.InMemory && c.Storage.DataDir == "" {
			return fmt.Errorf("badger storage requires a data directory")
		}
	default:
		return fmt.Errorf("unknown storage engine: %q", c.Storage.Engine)
	}

	if !labelPattern.MatchString(c.Engine.BaseLabel) {
		return fmt.Errorf("invalid base label: %q", c.Engine.BaseLabel)
	}
	if strings.HasPrefix(c.Engine.BaseLabel, "graph_") || strings.HasPrefix(c.Engine.BaseLabel, "meta_") {
		return fmt.Errorf("base label %q collides with internal graph names", c.Engine.BaseLabel)
	}
	if c.Engine.ExportLimit <= 0 {
		return fmt.Errorf("invalid export limit: %d", c.Engine.ExportLimit)
	}
	if c.Engine.GCInterval < 0 {
		return fmt.Errorf("invalid gc interval: %s", c.Engine.GCInterval)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}
	if c.Server.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("invalid session limit: %d", c.Server.MaxConcurrentSessions)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// BlockCacheBytes returns the parsed badger block cache size.
func (c *StorageConfig) BlockCacheBytes() int64 {
	return parseMemorySize(c.BlockCache)
}

// Apply configures the standard logrus logger.
func (l *LoggingConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// String returns a one-line summary safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Storage: %s (%s), BaseLabel: %s, HTTP: %s:%d, Sessions: %d, GC: %s}",
		c.Storage.Engine, c.Storage.DataDir,
		c.Engine.BaseLabel,
		c.Server.Address, c.Server.Port,
		c.Server.MaxConcurrentSessions,
		c.Engine.GCInterval,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// bare integers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses "1024", "1KB", "32MB", "1GB". Unparseable input is 0.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}
