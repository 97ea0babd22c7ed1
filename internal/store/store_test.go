package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Value   string `json:"value"`
	Expires int64  `json:"expires,omitempty"`
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWriteReadDelete(t *testing.T) {
	s := newStore(t)
	id := uuid.NewString()

	require.NoError(t, s.Write("mcp_", id, &testRecord{Value: "hello"}))

	var out testRecord
	found, err := s.Read("mcp_", id, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", out.Value)

	require.NoError(t, s.Delete("mcp_", id))
	found, err = s.Read("mcp_", id, &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadExpiredDeletes(t *testing.T) {
	s := newStore(t)
	id := uuid.NewString()

	require.NoError(t, s.Write("mcp_", id, &testRecord{
		Value:   "stale",
		Expires: time.Now().Add(-time.Minute).UnixMilli(),
	}))

	var out testRecord
	found, err := s.Read("mcp_", id, &out)
	require.NoError(t, err)
	assert.False(t, found)

	// The expired file was removed as a side effect.
	path := filepath.Join(s.baseDir, SubdirStreamable, "mcp_"+id+".json")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadCorruptedUnlinks(t *testing.T) {
	s := newStore(t)
	id := uuid.NewString()
	path := filepath.Join(s.baseDir, SubdirStreamable, "mcp_"+id+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	var out testRecord
	found, err := s.Read("mcp_", id, &out)
	require.NoError(t, err)
	assert.False(t, found)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestValidateID(t *testing.T) {
	valid := uuid.NewString()

	assert.NoError(t, ValidateID("mcp_", valid))
	assert.NoError(t, ValidateID("code_", valid))
	assert.NoError(t, ValidateID("client_", "my-client_01"))

	assert.Error(t, ValidateID("mcp_", "not-a-uuid"))
	assert.Error(t, ValidateID("mcp_", ""))
	assert.Error(t, ValidateID("bogus_", valid))
	assert.Error(t, ValidateID("client_", "../evil"))
	assert.Error(t, ValidateID("client_", "a/b"))
}

func TestTraversalGuard(t *testing.T) {
	s := newStore(t)

	// IDs that would escape the subdirectory are rejected before any file
	// I/O happens.
	err := s.Write("client_", "../../outside", &testRecord{Value: "x"})
	assert.Error(t, err)

	var out testRecord
	_, err = s.Read("client_", "..", &out)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	s := newStore(t)
	id1, id2 := uuid.NewString(), uuid.NewString()
	require.NoError(t, s.Write("mcp_", id1, &testRecord{Value: "1"}))
	require.NoError(t, s.Write("mcp_", id2, &testRecord{Value: "2"}))
	require.NoError(t, s.Write("client_", "other", &testRecord{Value: "3"}))

	ids, err := s.List("mcp_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, ids)
}

func TestSweepRemovesExpired(t *testing.T) {
	s := newStore(t)
	live, stale := uuid.NewString(), uuid.NewString()

	require.NoError(t, s.Write("mcp_", live, &testRecord{
		Value:   "live",
		Expires: time.Now().Add(time.Hour).UnixMilli(),
	}))
	require.NoError(t, s.Write("mcp_", stale, &testRecord{
		Value:   "stale",
		Expires: time.Now().Add(-time.Hour).UnixMilli(),
	}))

	s.Sweep()

	ids, err := s.List("mcp_")
	require.NoError(t, err)
	assert.Equal(t, []string{live}, ids)
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()

	// A legacy record sits directly in the base directory.
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "mcp_"+id+".json"),
		[]byte(`{"value":"legacy"}`), 0o600))

	s, err := New(dir)
	require.NoError(t, err)

	var out testRecord
	found, err := s.Read("mcp_", id, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "legacy", out.Value)

	// The marker prevents a second scan from touching anything.
	_, err = os.Stat(filepath.Join(dir, migratedMarker))
	assert.NoError(t, err)
}
