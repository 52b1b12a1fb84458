package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/sessionstore/pkg/retention"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessionstore.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeConfig(t, strings.Repeat("# padding\n", 200000))

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
cache:
  driver: redis
  addr: localhost:6379
  ttl: 24h
durable:
  driver: sqlite
  sqlite:
    path: /var/lib/sessionstore/sessions.db
archive:
  dir: /var/lib/sessionstore/archive
  compression: lz4
resilience:
  failure_threshold: 3
  max_attempts: 2
  cooldown: 30s
retention:
  schedule: "@every 30m"
  idle_expiry: 72h
  keep_latest: 50
  concurrency: 8
  rate_per_second: 20
  policies:
    - resource_type: session
      active_retention_days: 30
      archive_after_days: 60
      hard_delete_after_days: 90
    - resource_type: audit_record
      active_retention_days: 365
      archive_after_days: 365
      hard_delete_after_days: 730
log:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Driver != CacheRedis || cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Archive.Compression != "lz4" {
		t.Errorf("compression = %q, want lz4", cfg.Archive.Compression)
	}
	if cfg.Resilience.Cooldown != 30*time.Second || cfg.Resilience.CallTimeout != 5*time.Second {
		t.Errorf("resilience = %+v, want file values over defaults", cfg.Resilience)
	}
	if cfg.Retention.IdleExpiry != 72*time.Hour || cfg.Retention.KeepLatest != 50 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if len(cfg.Retention.Policies) != 2 || cfg.Retention.Policies[1].ResourceType != retention.ResourceAuditRecord {
		t.Errorf("policies = %+v", cfg.Retention.Policies)
	}
	if cfg.Session.Encoding != "cbor" {
		t.Errorf("encoding = %q, want default cbor", cfg.Session.Encoding)
	}
}

func TestLoadConfig_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Durable.Driver != DurableSQLite || cfg.Cache.Driver != CacheNone {
		t.Errorf("drivers = %s/%s, want sqlite/none", cfg.Durable.Driver, cfg.Cache.Driver)
	}
	if cfg.Retention.Schedule != retention.DefaultSchedule {
		t.Errorf("schedule = %q", cfg.Retention.Schedule)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "cache: [unclosed"))
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("cache:\n  adress: localhost:6379\n"))
	if err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRedisAddr, "redis.internal:6379")
	t.Setenv(EnvFirestoreProject, "prod-project")
	t.Setenv(EnvArchiveDir, "/archive")
	t.Setenv(EnvRetentionShard, "1/3")

	cfg, err := Parse([]byte("durable:\n  driver: sqlite\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Driver != CacheRedis || cfg.Cache.Addr != "redis.internal:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Durable.Driver != DurableFirestore || cfg.Durable.Firestore.ProjectID != "prod-project" {
		t.Errorf("durable = %+v", cfg.Durable)
	}
	if cfg.Archive.Dir != "/archive" {
		t.Errorf("archive dir = %q", cfg.Archive.Dir)
	}
	if cfg.Retention.Shard != (retention.Shard{Index: 1, Count: 3}) {
		t.Errorf("shard = %+v", cfg.Retention.Shard)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis without addr", func(c *Config) { c.Cache.Driver = CacheRedis }, "cache.addr"},
		{"unknown cache", func(c *Config) { c.Cache.Driver = "memcached" }, "cache.driver"},
		{"unknown durable", func(c *Config) { c.Durable.Driver = "postgres" }, "durable.driver"},
		{"firestore without project", func(c *Config) { c.Durable.Driver = DurableFirestore }, "project_id"},
		{"bad compression", func(c *Config) { c.Archive.Compression = "gzip" }, "compression"},
		{"bad encoding", func(c *Config) { c.Session.Encoding = "xml" }, "encoding"},
		{"zero attempts", func(c *Config) { c.Resilience.MaxAttempts = 0 }, "max_attempts"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"policy order", func(c *Config) {
			c.Retention.Policies = []retention.Policy{{
				ResourceType: retention.ResourceSession, ActiveRetentionDays: 60, ArchiveAfterDays: 30, HardDeleteAfterDays: 90,
			}}
		}, "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults are invalid: %v", err)
	}
}

func TestParseShard(t *testing.T) {
	shard, err := ParseShard("2/4")
	if err != nil || shard != (retention.Shard{Index: 2, Count: 4}) {
		t.Errorf("ParseShard(2/4) = %+v, %v", shard, err)
	}
	for _, bad := range []string{"2", "a/4", "4/4", "1/x"} {
		if _, err := ParseShard(bad); err == nil {
			t.Errorf("ParseShard(%q) expected error", bad)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Retention.IdleExpiry = 48 * time.Hour

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Retention.IdleExpiry != 48*time.Hour {
		t.Errorf("idle_expiry = %v, want 48h", loaded.Retention.IdleExpiry)
	}
}
