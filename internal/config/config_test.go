package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// TestLoad_Defaults tests that an empty file yields the built-in defaults.
func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Store != StoreFile {
		t.Errorf("Store = %q, want %q", cfg.Store, StoreFile)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %s, want 5m", cfg.PollInterval)
	}
	if cfg.DBPath != filepath.Join(cfg.DataDir, "cache.db") {
		t.Errorf("DBPath = %q, want it under DataDir %q", cfg.DBPath, cfg.DataDir)
	}
	if got := cfg.CollectionNames(); len(got) != 2 || got[0] != "inbox" || got[1] != "calendar" {
		t.Errorf("CollectionNames() = %v, want [inbox calendar]", got)
	}
	p := cfg.RetryPolicy()
	if p.BaseDelay != 100*time.Millisecond || p.MaxDelay != 5*time.Second || p.MaxAttempts != 5 {
		t.Errorf("RetryPolicy() = %+v, want 100ms/5s/5", p)
	}
}

// TestLoad_File tests decoding of every section from YAML.
func TestLoad_File(t *testing.T) {
	path := writeConfig(t, "offsync.yaml", `
data_dir: /var/lib/offsync
store: memory
poll_interval: 30s
tombstone_retention: 48h
remote:
  base_url: https://records.example.com
  page_size: 50
  timeout: 10s
retry:
  base_delay: 200ms
  max_delay: 2s
  max_attempts: 4
queue:
  max_retries: 3
collections:
  - name: work
    kind: messages
  - name: events
    kind: events
dashboard:
  addr: 127.0.0.1:7070
log:
  level: debug
  format: json
`)

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Store != StoreMemory || cfg.PollInterval != 30*time.Second || cfg.TombstoneRetention != 48*time.Hour {
		t.Errorf("top-level fields not decoded: %+v", cfg)
	}
	if cfg.DBPath != "/var/lib/offsync/cache.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Remote.BaseURL != "https://records.example.com" || cfg.Remote.PageSize != 50 || cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.BaseDelay != 200*time.Millisecond {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Dashboard.Addr != "127.0.0.1:7070" {
		t.Errorf("Dashboard.Addr = %q", cfg.Dashboard.Addr)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() failed: %v", err)
	}
	if _, err := reg.Lookup("events/primary"); err != nil {
		t.Errorf("Lookup(events/primary) failed: %v", err)
	}
}

// TestLoad_EnvOverride tests that OFFSYNC_* variables win over the file.
func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", "remote:\n  base_url: https://file.example.com\n")
	t.Setenv("OFFSYNC_REMOTE_BASE_URL", "https://env.example.com")
	t.Setenv("OFFSYNC_POLL_INTERVAL", "1m")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Remote.BaseURL != "https://env.example.com" {
		t.Errorf("Remote.BaseURL = %q, want env value", cfg.Remote.BaseURL)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %s, want 1m", cfg.PollInterval)
	}
}

// TestLoad_MissingExplicitFile tests that a named file must exist.
func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() succeeded, want error")
	}
}

// TestValidate tests rejection of inconsistent settings.
func TestValidate(t *testing.T) {
	path := writeConfig(t, "config.yaml", "")
	base, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad store", func(c *Config) { c.Store = "redis" }, "store"},
		{"negative poll", func(c *Config) { c.PollInterval = -time.Second }, "poll_interval"},
		{"zero page size", func(c *Config) { c.Remote.PageSize = 0 }, "page_size"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"base above max", func(c *Config) { c.Retry.BaseDelay = time.Minute }, "base_delay"},
		{"jitter range", func(c *Config) { c.Retry.Jitter = 2 }, "jitter"},
		{"no retries", func(c *Config) { c.Queue.MaxRetries = 0 }, "max_retries"},
		{"no collections", func(c *Config) { c.Collections = nil }, "collection"},
		{"duplicate", func(c *Config) {
			c.Collections = []CollectionConfig{{Name: "a", Kind: "messages"}, {Name: "a", Kind: "events"}}
		}, "twice"},
		{"unknown kind", func(c *Config) { c.Collections = []CollectionConfig{{Name: "a", Kind: "tasks"}} }, "unknown collection kind"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			c.Collections = append([]CollectionConfig(nil), base.Collections...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

// TestNewLogger tests level, format and file rotation setup.
func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "offsync.log")
	logger, closer, err := LogConfig{Level: "warn", Format: "json", File: file, MaxSizeMB: 1}.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	defer closer.Close()

	if logger.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %s, want warn", logger.GetLevel())
	}
	logger.Warn("disk nearly full")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"disk nearly full"`) {
		t.Errorf("log file = %q, want JSON entry", data)
	}

	if _, _, err := (LogConfig{Level: "nope"}).NewLogger(); err == nil {
		t.Error("NewLogger() accepted an invalid level")
	}
}
