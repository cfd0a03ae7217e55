// Package config loads the watchdog daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/durable"
	rcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

const ErrCodeInvalidConfig = "INVALID_CONFIG"

var ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
	WithTextCode(ErrCodeInvalidConfig)

// Config is the daemon configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Retry       RetryConfig       `yaml:"retry"`
	TaskService TaskServiceConfig `yaml:"task_service"`
	HTTP        HTTPConfig        `yaml:"http"`
	Purge       PurgeConfig       `yaml:"purge"`
	Log         LogConfig         `yaml:"log"`
}

type StoreConfig struct {
	Backend string       `yaml:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Redis   RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path        string `yaml:"path"`
	TablePrefix string `yaml:"table_prefix"`
	// LockFile defaults to Path + ".lock".
	LockFile string `yaml:"lock_file"`
}

type RedisConfig struct {
	Addrs     []string      `yaml:"addrs"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type WatchdogConfig struct {
	Interval             time.Duration `yaml:"interval"`
	Pools                []string      `yaml:"pools"`
	TerminateConcurrency int           `yaml:"terminate_concurrency"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Factor      float64       `yaml:"factor"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

type TaskServiceConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type PurgeConfig struct {
	// Schedule is a cron expression. Empty disables scheduled purges.
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			SQLite:  SQLiteConfig{Path: "watchdog.db", TablePrefix: "watchdog"},
			Redis:   RedisConfig{Addrs: []string{"localhost:6379"}, KeyPrefix: "watchdog:"},
		},
		Watchdog: WatchdogConfig{
			Interval:             watchdog.DefaultInterval,
			TerminateConcurrency: 8,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     200 * time.Millisecond,
			Factor:      2,
			MaxBackoff:  5 * time.Second,
		},
		TaskService: TaskServiceConfig{Timeout: 30 * time.Second},
		HTTP:        HTTPConfig{Addr: ":8080"},
		Purge:       PurgeConfig{Schedule: "@daily", Timeout: time.Minute},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, invalid("read config", map[string]any{"path": path}, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, invalid("decode config", nil, err)
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.SQLite.LockFile == "" && cfg.Store.SQLite.Path != "" {
		cfg.Store.SQLite.LockFile = cfg.Store.SQLite.Path + ".lock"
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields the daemon depends on.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			return invalid("store.sqlite.path is required", nil, nil)
		}
	case BackendRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			return invalid("store.redis.addrs is required", nil, nil)
		}
	default:
		return invalid(fmt.Sprintf("unknown store backend %q", c.Store.Backend), nil, nil)
	}

	if c.Watchdog.Interval <= 0 {
		return invalid("watchdog.interval must be positive", nil, nil)
	}
	if c.Watchdog.TerminateConcurrency <= 0 {
		return invalid("watchdog.terminate_concurrency must be positive", nil, nil)
	}
	seen := make(map[string]struct{}, len(c.Watchdog.Pools))
	for idx, pool := range c.Watchdog.Pools {
		if err := watchdog.PoolName(pool).Validate(); err != nil {
			return invalid(fmt.Sprintf("watchdog.pools[%d] is empty", idx), nil, err)
		}
		if _, dup := seen[pool]; dup {
			return invalid(fmt.Sprintf("watchdog.pools has duplicate %q", pool), nil, nil)
		}
		seen[pool] = struct{}{}
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1", nil, nil)
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.Timeout < 0 {
		return invalid("retry durations must not be negative", nil, nil)
	}

	if c.Purge.Schedule != "" {
		if _, err := rcron.ParseStandard(c.Purge.Schedule); err != nil {
			return invalid("purge.schedule is not a valid cron expression", map[string]any{"schedule": c.Purge.Schedule}, err)
		}
	}
	return nil
}

// RetryPolicy converts the retry section to the runtime's policy.
func (c RetryConfig) RetryPolicy() durable.RetryPolicy {
	policy := durable.RetryPolicy{MaxAttempts: c.MaxAttempts, Timeout: c.Timeout}
	if c.Backoff > 0 {
		policy.Strategy = durable.ExponentialBackoffStrategy{Base: c.Backoff, Factor: c.Factor, Max: c.MaxBackoff}
	} else {
		policy.Strategy = durable.NoDelayStrategy{}
	}
	return policy
}

// PoolNames returns the configured boot pools.
func (c WatchdogConfig) PoolNames() []watchdog.PoolName {
	out := make([]watchdog.PoolName, 0, len(c.Pools))
	for _, pool := range c.Pools {
		out = append(out, watchdog.PoolName(pool))
	}
	return out
}

func invalid(message string, metadata map[string]any, source error) error {
	err := ErrInvalidConfig.Clone()
	err.Message = message
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
