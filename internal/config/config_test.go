package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "guardwatch", cfg.App.Name)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 6, cfg.Reconcile.ConfirmCycles)
	assert.Equal(t, uint64(100), cfg.Commands.MaxThreshold)
	assert.Equal(t, 70.0, cfg.Alerting.HighWater)
	assert.Equal(t, []string{"log"}, cfg.Alerting.Channels)
	assert.False(t, cfg.Database.Enabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poller:
  interval: 2s
stream:
  url: ws://localhost:3001
  protocol: socketio
alerting:
  channels: log,telegram
`), 0o600))
	t.Setenv("GUARDWATCH_COMMANDS_MAX_THRESHOLD", "50")
	t.Setenv("GUARDWATCH_DATABASE_DSN", "postgres://localhost/guardwatch")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
	assert.Equal(t, "socketio", cfg.Stream.Protocol)
	assert.Equal(t, uint64(50), cfg.Commands.MaxThreshold)
	assert.Equal(t, []string{"log", "telegram"}, cfg.Alerting.Channels)
	assert.True(t, cfg.Database.Enabled())
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Poller:    PollerConfig{Interval: time.Second, DegradedAfter: 3},
			Reconcile: ReconcileConfig{ConfirmCycles: 6},
			Commands:  CommandsConfig{MinThreshold: 1, MaxThreshold: 100},
			Alerting:  AlertingConfig{HighWater: 70},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(*Config){
		"interval":   func(c *Config) { c.Poller.Interval = 0 },
		"thresholds": func(c *Config) { c.Commands.MinThreshold = 101 },
		"high water": func(c *Config) { c.Alerting.HighWater = 120 },
		"severity":   func(c *Config) { c.Alerting.NotifyMinSeverity = "loud" },
		"protocol":   func(c *Config) { c.Stream.Protocol = "grpc" },
		"telegram":   func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"redis":      func(c *Config) { c.Redis.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxDataPoints: 100}}
	assert.Equal(t, 100, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 5, cfg.ResolveMaxPoints(5))
}
