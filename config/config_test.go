package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CREDENTIALS_KEY", "")
	cfg, err := Load(writeConfig(t, "database:\n  dsn: postgres://localhost/devices\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Scheduler.IsEnabled())
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Staleness)
	assert.Equal(t, 30*time.Second, cfg.Sync.DeviceTimeout)
	assert.Equal(t, 50, cfg.Sync.MaxErrorDetails)
	assert.Equal(t, 3, cfg.Providers.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Providers.MQTTCollect)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CREDENTIALS_KEY", "from-env")
	body := `
server:
  port: 9090
database:
  driver: sqlite
  dsn: file:sync.db
logging:
  level: debug
scheduler:
  enabled: false
  tick_interval_seconds: 15
  timezone: Europe/Berlin
sync:
  staleness_minutes: 20
providers:
  max_retries: -1
credentials:
  key: from-file
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Scheduler.IsEnabled())
	assert.Equal(t, 15*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	assert.Equal(t, 20*time.Minute, cfg.Sync.Staleness)
	assert.Equal(t, 0, cfg.Providers.MaxRetries)
	assert.Equal(t, "from-env", cfg.Credentials.Key)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
