package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "warp"
	cfg.LogLevel = "loud"
	cfg.Brokers.Default = "nyse"
	cfg.Server.Port = -1

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "unknown mode")
	assert.Contains(t, msg, "unknown log_level")
	assert.Contains(t, msg, "unknown default")
	assert.Contains(t, msg, "invalid port")
}

func TestValidateAlpacaNeedsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Brokers.Alpaca.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key or encrypted_creds_path")

	cfg.Brokers.Alpaca.APIKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesTomlOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "scan"

[server]
port = 9999

[brokers.paper]
fill_latency = "250ms"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "scan", cfg.Mode)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "250ms", cfg.Brokers.Paper.FillLatency.String())
	// Untouched defaults survive.
	assert.Equal(t, "paper", cfg.Brokers.Default)
	assert.Equal(t, 256, cfg.Hub.QueueCapacity)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADEWIRE_MODE", "server")
	t.Setenv("TRADEWIRE_SERVER_PORT", "7777")
	t.Setenv("TRADEWIRE_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Brokers.Alpaca.APIKey = "AKIA"
	cfg.Brokers.Alpaca.APISecret = "hunter2"
	cfg.Postgres.Password = "pgpass"
	cfg.Server.APIKey = "apikey"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Brokers.Alpaca.APIKey)
	assert.Equal(t, "***", red.Brokers.Alpaca.APISecret)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)

	// The original is untouched.
	assert.Equal(t, "AKIA", cfg.Brokers.Alpaca.APIKey)
}
