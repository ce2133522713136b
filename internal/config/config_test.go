package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "maintenance-scheduler", cfg.App.Name)
		assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
		assert.Equal(t, "maintenance-workers", cfg.Queue.ConsumerGroup)
		assert.Equal(t, time.Hour, cfg.Queue.MaxNakDelay)
		assert.Equal(t, -1, cfg.Queue.MaxAckPending)
		assert.Equal(t, 4, cfg.Worker.Concurrency)
		assert.Equal(t, "0 */5 * * * *", cfg.Sweep.Schedule)
		assert.True(t, cfg.Sweep.Enabled)
		assert.Equal(t, 30*time.Second, cfg.Metrics.Interval)
	})

	t.Run("File", func(t *testing.T) {
		path := writeConfig(t, `
app:
  instance: scheduler-7
nats:
  url: nats://nats.internal:4222
  storage: memory
queue:
  max_nak_delay: 15m
worker:
  concurrency: 16
sweep:
  schedule: "0 0 * * * *"
  timeout: 10m
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "scheduler-7", cfg.App.Instance)
		assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
		assert.Equal(t, "memory", cfg.NATS.Storage)
		assert.Equal(t, 15*time.Minute, cfg.Queue.MaxNakDelay)
		assert.Equal(t, 16, cfg.Worker.Concurrency)
		assert.Equal(t, "0 0 * * * *", cfg.Sweep.Schedule)
		assert.Equal(t, 10*time.Minute, cfg.Sweep.Timeout)
		// Untouched keys keep their defaults
		assert.Equal(t, "maintenance.db", cfg.Database.Path)
	})

	t.Run("Environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "worker:\n  concurrency: 16\n")
		t.Setenv("MAINT_WORKER_CONCURRENCY", "2")
		t.Setenv("MAINT_DATABASE_PATH", "/var/lib/maintenance/schedules.db")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Worker.Concurrency)
		assert.Equal(t, "/var/lib/maintenance/schedules.db", cfg.Database.Path)
	})

	t.Run("Missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := map[string]string{
			"storage":     "nats:\n  storage: tape\n",
			"concurrency": "worker:\n  concurrency: 0\n",
			"sweep":       "sweep:\n  schedule: \"\"\n",
		}
		for name, content := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := Load(writeConfig(t, content))
				assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
			})
		}
	})
}
