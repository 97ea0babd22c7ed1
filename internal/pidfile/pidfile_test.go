package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemove(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Write(dir, Record{
		URL:       "http://127.0.0.1:3050/mcp",
		Port:      3050,
		Host:      "127.0.0.1",
		Transport: "streamable-http",
	}))

	record, err := Read(dir)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, os.Getpid(), record.PID)
	assert.Equal(t, "http://127.0.0.1:3050/mcp", record.URL)
	assert.Equal(t, dir, record.ConfigDir)
	assert.NotEmpty(t, record.StartedAt)

	Remove(dir)
	record, err = Read(dir)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestReadStalePIDRemovesFile(t *testing.T) {
	dir := t.TempDir()

	// PID 1 belongs to init; use an impossibly large PID instead.
	require.NoError(t, Write(dir, Record{PID: 1 << 30, URL: "http://x"}))

	record, err := Read(dir)
	require.NoError(t, err)
	assert.Nil(t, record)

	_, statErr := os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("junk"), 0o600))

	record, err := Read(dir)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestReadMissing(t *testing.T) {
	record, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, record)
}
