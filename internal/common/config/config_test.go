package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "relay-gateway", cfg.Gateway.Binary)
	assert.Equal(t, "serve", cfg.Gateway.Subcommand)
	assert.Equal(t, 18789, cfg.Gateway.Port)
	assert.Equal(t, "/", cfg.Gateway.WSPath)
	assert.Contains(t, cfg.Supervisor.ReadyMarkers, "listening on")
	assert.Equal(t, 1000, cfg.Reconnect.BaseDelayMs)
	assert.Equal(t, 10000, cfg.Reconnect.CapMs)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 18790, cfg.API.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
gateway:
  binary: custom-gateway
  port: 19000
reconnect:
  baseDelayMs: 250
  capMs: 2000
  maxAttempts: 8
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "custom-gateway", cfg.Gateway.Binary)
	assert.Equal(t, 19000, cfg.Gateway.Port)
	assert.Equal(t, 250, cfg.Reconnect.BaseDelayMs)
	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "serve", cfg.Gateway.Subcommand)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYDESK_GATEWAY_PORT", "20001")
	t.Setenv("RELAYDESK_GATEWAY_BINARY", "env-gateway")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 20001, cfg.Gateway.Port)
	assert.Equal(t, "env-gateway", cfg.Gateway.Binary)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty binary", func(c *Config) { c.Gateway.Binary = "" }, "gateway.binary"},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"bad base delay", func(c *Config) { c.Reconnect.BaseDelayMs = 0 }, "baseDelayMs"},
		{"cap below base", func(c *Config) { c.Reconnect.CapMs = 10; c.Reconnect.BaseDelayMs = 100 }, "capMs"},
		{"bad attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }, "maxAttempts"},
		{"bad health interval", func(c *Config) { c.Health.Interval = 0 }, "health.interval"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tc.mutate(cfg)
			err = validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "1s", cfg.Reconnect.BaseDelay().String())
	assert.Equal(t, "10s", cfg.Reconnect.Cap().String())
	assert.Equal(t, "20s", cfg.Supervisor.ReadyTimeoutDuration().String())
	assert.Equal(t, "10s", cfg.Health.IntervalDuration().String())
	assert.Equal(t, "127.0.0.1:18790", cfg.API.Addr())
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))

	// Writing over an existing file is refused.
	require.Error(t, WriteDefault(path))

	cfg, err := LoadWithPath(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "relay-gateway", cfg.Gateway.Binary)
	assert.Equal(t, 18789, cfg.Gateway.Port)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# relaydesk configuration")
}
