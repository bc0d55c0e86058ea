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

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "websocket", cfg.Sync.Transport)
	assert.Equal(t, 5, cfg.Sync.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Sync.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Sync.CommitTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sync.AutosaveDelay)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9100"
sync:
  transport: polling
  commit_timeout: 3s
  autosave_delay: 250ms
project:
  ids: ["p1", "p2"]
redis:
  host: cache
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "polling", cfg.Sync.Transport)
	assert.Equal(t, 3*time.Second, cfg.Sync.CommitTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.AutosaveDelay)
	assert.Equal(t, []string{"p1", "p2"}, cfg.Project.IDs)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr())
	// untouched keys keep defaults
	assert.Equal(t, 5*time.Second, cfg.Sync.ReconnectDelayMax)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: debug\n")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PROJECT_ID", "a, b ,")
	t.Setenv("USER_EMAIL", "ana@example.com")
	t.Setenv("SYNC_COMMIT_TIMEOUT", "2s")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, []string{"a", "b"}, cfg.Project.IDs)
	assert.Equal(t, "ana@example.com", cfg.Identity.Email)
	assert.Equal(t, 2*time.Second, cfg.Sync.CommitTimeout)
	assert.Equal(t, 6380, cfg.Redis.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Sync.Transport = "carrier-pigeon" }},
		{"zero commit timeout", func(c *Config) { c.Sync.CommitTimeout = 0 }},
		{"zero commit attempts", func(c *Config) { c.Sync.CommitAttempts = 0 }},
		{"max below base delay", func(c *Config) { c.Sync.ReconnectDelayMax = time.Millisecond }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoad_AllowedOrigins(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	t.Setenv("CORS_ORIGINS", "http://localhost:3000, https://board.example.com")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000", "https://board.example.com"}, cfg.Server.AllowedOrigins)
}
