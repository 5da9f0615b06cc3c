package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/colog/internal/config"
	"github.com/relves/colog/pkg/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "colog.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// clearEnv keeps the caller's environment from leaking into a test.
func clearEnv(t *testing.T) {
	for _, k := range []string{"PORT", "COLOG_DATA_PATH", "LOG_LEVEL", "COLOG_AGENT_SECRET", "COLOG_UPSTREAM"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "./data", cfg.Storage.DataPath)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[server]
port = "9000"

[storage]
data_path = "/var/lib/colog"
store = "primary"
async = true

[logging]
level = "debug"

[peers]
upstream = ["wss://sync.example.com/sync?peer=edge"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "/var/lib/colog", cfg.Storage.DataPath)
	assert.Equal(t, "primary", cfg.Storage.Store)
	assert.True(t, cfg.Storage.Async)
	assert.Equal(t, []string{"wss://sync.example.com/sync?peer=edge"}, cfg.Peers.Upstream)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[server]
port = "9000"
`)
	secret := crypto.MustGoProvider().NewRandomAgentSecret()
	t.Setenv("PORT", "9100")
	t.Setenv("COLOG_DATA_PATH", "/tmp/colog")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("COLOG_AGENT_SECRET", string(secret))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "/tmp/colog", cfg.Storage.DataPath)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, string(secret), cfg.Node.AgentSecret)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	clearEnv(t)
	_, err := config.Load(writeConfig(t, "[server\nport = "))
	assert.ErrorContains(t, err, "decode TOML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"port", func(c *config.Config) { c.Server.Port = "http" }, "server.port"},
		{"port range", func(c *config.Config) { c.Server.Port = "70000" }, "server.port"},
		{"data path", func(c *config.Config) { c.Storage.DataPath = "" }, "storage.data_path"},
		{"store name", func(c *config.Config) { c.Storage.Store = "../x" }, "storage.store"},
		{"level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"agent secret", func(c *config.Config) { c.Node.AgentSecret = "nope" }, "node.agent_secret"},
		{"upstream", func(c *config.Config) { c.Peers.Upstream = []string{"http://x"} }, "peers.upstream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	assert.NoError(t, config.Default().Validate())
}
