package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestNewWithEmptyServerList(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {}}`)

	// Zero children is a permitted startup state: the proxy serves an empty
	// capability set until the first child connects.
	application, err := New(Options{ConfigPath: path, Version: "test"})
	require.NoError(t, err)
	assert.NotNil(t, application.Manager())
	assert.NotNil(t, application.SessionManager())
}

func TestNewWithServers(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": {
			"files": {"command": "mcp-files", "tags": ["fs"]},
			"tpl": {"command": "run-{project.root}", "template": {"shareable": true}}
		}
	}`)

	application, err := New(Options{ConfigPath: path, Version: "test"})
	require.NoError(t, err)

	list := application.cfgManager.Current()
	assert.Len(t, list.Servers, 2)
	assert.True(t, list.Servers["tpl"].IsTemplated())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {"bad": {}}}`)
	_, err := New(Options{ConfigPath: path})
	assert.Error(t, err)
}

func TestNewMissingFile(t *testing.T) {
	_, err := New(Options{ConfigPath: filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}

func TestFlagOverridesSettings(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {}}`)

	application, err := New(Options{ConfigPath: path, Host: "0.0.0.0", Port: 9999, Transport: "stdio"})
	require.NoError(t, err)

	settings := application.agentCfg.Get()
	assert.Equal(t, "0.0.0.0", settings.Host)
	assert.Equal(t, 9999, settings.Port)
	assert.Equal(t, "stdio", settings.Transport)
}
