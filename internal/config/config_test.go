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
	path := filepath.Join(t.TempDir(), "convohub.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Merge.ResolverTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Merge.IdempotencyPendingTTL)
	assert.Equal(t, "echo", cfg.AI.Provider)
	assert.Equal(t, 10, cfg.Context.WindowSize)
	require.NoError(t, Validate(cfg))
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[merge]
resolver_timeout = "10s"

[ai]
provider = "openai"
api_key = "from-file"
`)
	t.Setenv("CONVOHUB_SERVER__PORT", "9100")
	t.Setenv("CONVOHUB_AI__API_KEY", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Merge.ResolverTimeout)
	assert.Equal(t, "from-env", cfg.AI.APIKey)
}

func TestLoadConfig_BadDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "[merge]\nresolver_timeout = \"soon\"\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"window", func(c *Config) { c.Context.WindowSize = 0 }},
		{"provider", func(c *Config) { c.AI.Provider = "watson" }},
		{"missing key", func(c *Config) { c.AI.Provider = "claude"; c.AI.APIKey = "" }},
		{"queue without db", func(c *Config) { c.Queue.Enabled = true; c.Database.URL = "" }},
		{"model extraction on echo", func(c *Config) { c.AI.Extraction = "model" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, ""))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convohub.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path), "existing file must not be overwritten")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "convohub", cfg.Redis.ChannelPrefix)
	require.NoError(t, Validate(cfg))
}
