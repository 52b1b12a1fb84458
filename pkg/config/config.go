// Package config loads the session store configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/sessionstore/pkg/archive"
	"github.com/aixgo-dev/sessionstore/pkg/codec"
	"github.com/aixgo-dev/sessionstore/pkg/resilience"
	"github.com/aixgo-dev/sessionstore/pkg/retention"
)

// MaxFileSize bounds the configuration file.
const MaxFileSize = 1 << 20

// Environment overrides, applied after the file is read.
const (
	EnvRedisAddr        = "SESSIONSTORE_REDIS_ADDR"
	EnvRedisPassword    = "SESSIONSTORE_REDIS_PASSWORD"
	EnvSQLitePath       = "SESSIONSTORE_SQLITE_PATH"
	EnvFirestoreProject = "SESSIONSTORE_FIRESTORE_PROJECT"
	EnvArchiveDir       = "SESSIONSTORE_ARCHIVE_DIR"
	EnvLogLevel         = "SESSIONSTORE_LOG_LEVEL"
	EnvRetentionShard   = "SESSIONSTORE_RETENTION_SHARD"
)

// Cache drivers.
const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNone   = "none"
)

// Durable drivers.
const (
	DurableSQLite    = "sqlite"
	DurableFirestore = "firestore"
	DurableMemory    = "memory"
)

// Config represents the application configuration
type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	Durable       DurableConfig       `yaml:"durable"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Session       SessionConfig       `yaml:"session"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Retention     retention.Config    `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
}

// CacheConfig selects and configures the cache tier.
type CacheConfig struct {
	// Driver is "redis", "memory" or "none".
	Driver      string        `yaml:"driver"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DurableConfig selects and configures the durable tier.
type DurableConfig struct {
	// Driver is "sqlite", "firestore" or "memory".
	Driver    string          `yaml:"driver"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// SQLiteConfig configures the SQLite durable tier.
type SQLiteConfig struct {
	Path     string `yaml:"path"`
	PageSize int    `yaml:"page_size"`
}

// FirestoreConfig configures the Firestore durable tier.
type FirestoreConfig struct {
	ProjectID        string `yaml:"project_id"`
	CredentialsFile  string `yaml:"credentials_file"`
	CollectionPrefix string `yaml:"collection_prefix"`
	PageSize         int    `yaml:"page_size"`
}

// ArchiveConfig configures the archive sink. An empty Dir disables archival.
type ArchiveConfig struct {
	Dir string `yaml:"dir"`
	// Compression is "zstd" (default), "lz4" or "none".
	Compression string `yaml:"compression"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	// Encoding is the checkpoint codec payload encoding, "cbor" or "json".
	Encoding         string        `yaml:"encoding"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
}

// ResilienceConfig configures the breaker and retries around every backend call.
type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialInterval  time.Duration `yaml:"initial_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// Policy converts the section into a resilience configuration.
func (r ResilienceConfig) Policy() resilience.Config {
	return resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: r.FailureThreshold,
			Window:           r.Window,
			Cooldown:         r.Cooldown,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialInterval,
			MaxInterval:     r.MaxInterval,
		},
		CallTimeout: r.CallTimeout,
	}
}

// ObservabilityConfig configures metrics, health and tracing.
type ObservabilityConfig struct {
	// Addr serves /metrics and /health. Empty disables the server.
	Addr    string        `yaml:"addr"`
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is "otlp", "stdout" or "none".
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	Headers     string `yaml:"headers"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}

// Default returns a configuration for a single process: no cache, SQLite
// in the working directory and the default resilience settings.
func Default() *Config {
	rc := resilience.DefaultConfig()
	return &Config{
		Cache: CacheConfig{
			Driver:      CacheNone,
			Prefix:      "sessionstore:",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Durable: DurableConfig{
			Driver: DurableSQLite,
			SQLite: SQLiteConfig{Path: "sessionstore.db"},
		},
		Archive: ArchiveConfig{Compression: "zstd"},
		Session: SessionConfig{
			Encoding:         "cbor",
			ReconcileTimeout: 5 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: rc.Breaker.FailureThreshold,
			Window:           rc.Breaker.Window,
			Cooldown:         rc.Breaker.Cooldown,
			MaxAttempts:      rc.Retry.MaxAttempts,
			InitialInterval:  rc.Retry.InitialInterval,
			MaxInterval:      rc.Retry.MaxInterval,
			CallTimeout:      rc.CallTimeout,
		},
		Retention: retention.Config{
			Schedule:    retention.DefaultSchedule,
			Concurrency: 4,
			PageSize:    100,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{Exporter: "none"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", MaxFileSize)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides. Setting a backend address also
// selects that backend's driver.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Cache.Driver = CacheRedis
		c.Cache.Addr = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		c.Cache.Password = v
	}
	if v, ok := lookup(EnvSQLitePath); ok && v != "" {
		c.Durable.Driver = DurableSQLite
		c.Durable.SQLite.Path = v
	}
	if v, ok := lookup(EnvFirestoreProject); ok && v != "" {
		c.Durable.Driver = DurableFirestore
		c.Durable.Firestore.ProjectID = v
	}
	if v, ok := lookup(EnvArchiveDir); ok {
		c.Archive.Dir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvRetentionShard); ok && v != "" {
		shard, err := ParseShard(v)
		if err != nil {
			return err
		}
		c.Retention.Shard = shard
	}
	return nil
}

// ParseShard parses "index/count", e.g. "0/3".
func ParseShard(s string) (retention.Shard, error) {
	idx, count, ok := strings.Cut(s, "/")
	if !ok {
		return retention.Shard{}, fmt.Errorf("invalid shard %q, want index/count", s)
	}
	i, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		return retention.Shard{}, fmt.Errorf("invalid shard index %q", idx)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return retention.Shard{}, fmt.Errorf("invalid shard count %q", count)
	}
	shard := retention.Shard{Index: i, Count: n}
	return shard, shard.Validate()
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Driver {
	case CacheRedis:
		if c.Cache.Addr == "" {
			errs = append(errs, errors.New("cache.addr is required for the redis driver"))
		}
	case CacheMemory, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}
	if c.Cache.TTL < 0 || c.Cache.PoolSize < 0 || c.Cache.DialTimeout < 0 {
		errs = append(errs, errors.New("cache ttl, pool_size and dial_timeout must not be negative"))
	}

	switch c.Durable.Driver {
	case DurableSQLite:
		if strings.TrimSpace(c.Durable.SQLite.Path) == "" {
			errs = append(errs, errors.New("durable.sqlite.path is required for the sqlite driver"))
		}
	case DurableFirestore:
		if c.Durable.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("durable.firestore.project_id is required for the firestore driver"))
		}
	case DurableMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown durable.driver %q", c.Durable.Driver))
	}

	if _, err := archive.ParseCompression(c.Archive.Compression); err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.ParseEncoding(c.Session.Encoding); err != nil {
		errs = append(errs, err)
	}

	r := c.Resilience
	if r.FailureThreshold < 1 || r.MaxAttempts < 1 {
		errs = append(errs, errors.New("resilience failure_threshold and max_attempts must be at least 1"))
	}
	if r.Window < 0 || r.Cooldown < 0 || r.InitialInterval < 0 || r.MaxInterval < 0 || r.CallTimeout < 0 {
		errs = append(errs, errors.New("resilience durations must not be negative"))
	}

	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	switch c.Observability.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unknown observability.tracing.exporter %q", c.Observability.Tracing.Exporter))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
