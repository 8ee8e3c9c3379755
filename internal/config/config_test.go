package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "flightdeck.db", cfg.Database.Path)
	assert.Equal(t, 5000, cfg.Database.BusyTimeoutMs)
	assert.Empty(t, cfg.Etcd.Endpoints)
	assert.Equal(t, 24*time.Hour, cfg.Queue.DedupTTL)
	assert.Equal(t, 5, cfg.Queue.MaxDeliver)
	assert.Equal(t, 2, cfg.Worker.MinWorkers)
	assert.Equal(t, 8, cfg.Worker.MaxWorkers)
	assert.Equal(t, 50.0, cfg.Budget.WarnPercent)
	assert.Equal(t, []string{"P3"}, cfg.Budget.ThrottleClasses)
	assert.Equal(t, 7*24*time.Hour, cfg.Checkpoint.Retention)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /var/lib/flightdeck/state.db
worker:
  min_workers: 4
  max_workers: 16
budget:
  throttle_classes: [P2, P3]
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flightdeck/state.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Worker.MinWorkers)
	assert.Equal(t, 16, cfg.Worker.MaxWorkers)
	assert.Equal(t, []string{"P2", "P3"}, cfg.Budget.ThrottleClasses)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset sections keep their defaults.
	assert.Equal(t, 5, cfg.Queue.MaxDeliver)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	var fdErr *types.FlightdeckError
	require.True(t, errors.As(err, &fdErr))
	assert.Equal(t, types.CONFIG_LOAD_FAILED, fdErr.Code)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"empty db path":       "database:\n  path: \"\"",
		"workers inverted":    "worker:\n  min_workers: 8\n  max_workers: 2",
		"bad log level":       "logging:\n  level: verbose",
		"bad log format":      "logging:\n  format: xml",
		"bad priority class":  "budget:\n  throttle_classes: [P9]",
		"p0 throttle class":   "budget:\n  throttle_classes: [P0]",
		"thresholds inverted": "budget:\n  warn_percent: 90\n  throttle_percent: 80",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, content))
			require.Error(t, err)
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLIGHTDECK_WORKER_MAX_WORKERS", "32")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Worker.MaxWorkers)
}

func TestConverters(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	qc := cfg.QueueConfig()
	assert.Equal(t, 30*time.Second, qc.AckWait)
	assert.Equal(t, 5, qc.MaxDeliver)

	wc := cfg.WorkerConfig()
	assert.Equal(t, "flightdeck.tasks", wc.Stream)
	assert.Equal(t, 2, wc.MinWorkers)
	assert.NotZero(t, wc.ThrottledRate)

	policy, err := cfg.BudgetPolicy()
	require.NoError(t, err)
	assert.Equal(t, 50.0, policy.WarnPercent)
	assert.Equal(t, []types.PriorityClass{types.PriorityP3}, policy.ThrottleClasses)
}
