// Package config loads offsync settings from a config file, OFFSYNC_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/offsync/internal/collection"
	"github.com/mschirtzinger/offsync/internal/retry"
)

// AppName names the config and data directories.
const AppName = "offsync"

// EnvPrefix is prepended to environment overrides, e.g. OFFSYNC_REMOTE_BASE_URL.
const EnvPrefix = "OFFSYNC"

// Store backends.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Config is the complete offsync configuration.
type Config struct {
	DataDir            string        `mapstructure:"data_dir"`
	DBPath             string        `mapstructure:"db_path"`
	Store              string        `mapstructure:"store"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`

	Remote      RemoteConfig       `mapstructure:"remote"`
	Retry       RetryConfig        `mapstructure:"retry"`
	Queue       QueueConfig        `mapstructure:"queue"`
	Collections []CollectionConfig `mapstructure:"collections"`
	Dashboard   DashboardConfig    `mapstructure:"dashboard"`
	Log         LogConfig          `mapstructure:"log"`
}

// RemoteConfig locates the record service.
type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	TokenFile string        `mapstructure:"token_file"`
	PageSize  int           `mapstructure:"page_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"`
}

// QueueConfig tunes the outbound queue.
type QueueConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// CollectionConfig binds a collection name to its payload kind.
type CollectionConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
}

// DashboardConfig enables the live dashboard when Addr is set.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	p := retry.DefaultPolicy()

	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, AppName))
	v.SetDefault("db_path", "")
	v.SetDefault("store", StoreFile)
	v.SetDefault("poll_interval", 5*time.Minute)
	v.SetDefault("tombstone_retention", 30*24*time.Hour)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token_file", filepath.Join(xdg.ConfigHome, AppName, "token.json"))
	v.SetDefault("remote.page_size", 100)
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("retry.base_delay", p.BaseDelay)
	v.SetDefault("retry.max_delay", p.MaxDelay)
	v.SetDefault("retry.max_attempts", p.MaxAttempts)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("queue.max_retries", 5)

	v.SetDefault("collections", []map[string]any{
		{"name": "inbox", "kind": string(collection.KindMessages)},
		{"name": "calendar", "kind": string(collection.KindEvents)},
	})

	v.SetDefault("dashboard.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Load reads configuration into v and decodes it. An explicit file must
// exist; otherwise config.{yaml,toml,json} is searched for in the XDG config
// directories and may be absent.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
		for _, dir := range xdg.ConfigDirs {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "cache.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StoreFile, StoreMemory, c.Store)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval cannot be negative")
	}
	if c.TombstoneRetention < 0 {
		return fmt.Errorf("tombstone_retention cannot be negative")
	}
	if c.Remote.PageSize <= 0 {
		return fmt.Errorf("remote.page_size must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}

	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, cc := range c.Collections {
		if cc.Name == "" {
			return fmt.Errorf("collection name is required")
		}
		if seen[cc.Name] {
			return fmt.Errorf("collection %q is configured twice", cc.Name)
		}
		seen[cc.Name] = true
		if _, err := collection.ForKind(collection.Kind(cc.Kind)); err != nil {
			return fmt.Errorf("collection %q: %w", cc.Name, err)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// RetryPolicy returns the configured backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		MaxAttempts: c.Retry.MaxAttempts,
		Jitter:      c.Retry.Jitter,
	}
}

// Registry builds the collection registry.
func (c *Config) Registry() (*collection.Registry, error) {
	reg := collection.NewRegistry()
	for _, cc := range c.Collections {
		if err := reg.Register(cc.Name, collection.Kind(cc.Kind)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// CollectionNames returns the configured names in file order.
func (c *Config) CollectionNames() []string {
	names := make([]string, len(c.Collections))
	for i, cc := range c.Collections {
		names[i] = cc.Name
	}
	return names
}
