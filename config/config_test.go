package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, watchdog.DefaultInterval, cfg.Watchdog.Interval)
	assert.Equal(t, "@daily", cfg.Purge.Schedule)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  backend: SQLite
  sqlite:
    path: /var/lib/watchdog/state.db
watchdog:
  interval: 30s
  pools: [P1, P2]
retry:
  max_attempts: 5
  backoff: 0s
task_service:
  base_url: http://tasks.internal
purge:
  schedule: "0 3 * * *"
`))
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/watchdog/state.db.lock", cfg.Store.SQLite.LockFile)
	assert.Equal(t, "watchdog", cfg.Store.SQLite.TablePrefix)
	assert.Equal(t, 30*time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, []watchdog.PoolName{"P1", "P2"}, cfg.Watchdog.PoolNames())
	assert.Equal(t, "http://tasks.internal", cfg.TaskService.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.TaskService.Timeout)

	policy := cfg.Retry.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.IsType(t, durable.NoDelayStrategy{}, policy.Strategy)
}

func TestDefaultRetryPolicyBacksOff(t *testing.T) {
	policy := Default().Retry.RetryPolicy()
	strategy, ok := policy.Strategy.(durable.ExponentialBackoffStrategy)
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, strategy.SleepDuration(0, nil))
	assert.Equal(t, 400*time.Millisecond, strategy.SleepDuration(1, nil))
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"unknown backend":  "store: {backend: etcd}",
		"redis no addrs":   "store: {backend: redis, redis: {addrs: []}}",
		"zero interval":    "watchdog: {interval: 0s}",
		"blank pool":       "watchdog: {pools: [' ']}",
		"duplicate pool":   "watchdog: {pools: [P1, P1]}",
		"no attempts":      "retry: {max_attempts: 0}",
		"bad schedule":     "purge: {schedule: 'whenever'}",
		"bad concurrency":  "watchdog: {terminate_concurrency: -1}",
		"malformed yaml":   "store: [",
		"negative backoff": "retry: {backoff: -1s}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, durable.HasCode(err, ErrCodeInvalidConfig))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: {addr: ':9090'}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, durable.HasCode(err, ErrCodeInvalidConfig))
}
