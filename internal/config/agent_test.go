package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg, err := LoadAgentConfig(t.TempDir())
	require.NoError(t, err)

	settings := cfg.Get()
	assert.Equal(t, DefaultHost, settings.Host)
	assert.Equal(t, DefaultPort, settings.Port)
	assert.Equal(t, MCPTransportStreamableHTTP, settings.Transport)
	assert.True(t, settings.AsyncLoading)
	assert.Equal(t, DefaultSchemaCacheEntries, settings.SchemaCacheEntries)
}

func TestLoadAgentConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"host: 0.0.0.0\nport: 4000\nsessionTtl: 1h\nwaitForMinimumServers: 2\n"), 0o600))

	cfg, err := LoadAgentConfig(dir)
	require.NoError(t, err)

	settings := cfg.Get()
	assert.Equal(t, "0.0.0.0", settings.Host)
	assert.Equal(t, 4000, settings.Port)
	assert.Equal(t, time.Hour, settings.SessionTTL.Duration())
	assert.Equal(t, 2, settings.WaitForMinimumServers)
}

func TestLoadAgentConfigEnvOverrides(t *testing.T) {
	t.Setenv("ONE_MCP_HOST", "10.0.0.1")
	t.Setenv("ONE_MCP_PORT", "5005")

	cfg, err := LoadAgentConfig(t.TempDir())
	require.NoError(t, err)

	settings := cfg.Get()
	assert.Equal(t, "10.0.0.1", settings.Host)
	assert.Equal(t, 5005, settings.Port)
}

func TestLoadAgentConfigBadPort(t *testing.T) {
	t.Setenv("ONE_MCP_PORT", "not-a-port")
	_, err := LoadAgentConfig(t.TempDir())
	assert.Error(t, err)
}

func TestAgentConfigCopyOnRead(t *testing.T) {
	cfg := NewAgentConfig(AgentSettings{Host: "h"})

	settings := cfg.Get()
	settings.Host = "mutated"

	assert.Equal(t, "h", cfg.Get().Host)
}
