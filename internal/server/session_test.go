package server

import (
	"encoding/json"
	"testing"
	"time"

	"onemcp/internal/store"
	"onemcp/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestCreateAndGetSession(t *testing.T) {
	m := NewSessionManager(newTestStore(t), time.Hour)

	session, persisted, err := m.CreateSession(InboundConfig{Filter: "web"}, nil, "")
	require.NoError(t, err)
	assert.True(t, persisted)
	assert.True(t, session.Filter.Matches([]string{"web"}))
	assert.Contains(t, session.ID, "mcp_")

	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestCreateSessionInvalidFilter(t *testing.T) {
	m := NewSessionManager(nil, time.Hour)
	_, _, err := m.CreateSession(InboundConfig{Filter: "web AND"}, nil, "")
	assert.ErrorIs(t, err, ErrSessionContextInvalid)
}

func TestSessionSurvivesRestart(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, time.Hour)

	sessionCtx := &template.ContextData{Project: template.ProjectContext{Root: "/srv/demo"}}
	session, _, err := m.CreateSession(InboundConfig{Filter: "web"}, sessionCtx, "")
	require.NoError(t, err)

	initResponse := json.RawMessage(`{"protocolVersion":"2024-11-05"}`)
	m.SetInitializeResponse(session.ID, initResponse)

	// A new manager over the same store simulates a proxy restart.
	restarted := NewSessionManager(st, time.Hour)
	restored, err := restarted.GetSession(session.ID)
	require.NoError(t, err)

	assert.True(t, restored.Restored)
	assert.Equal(t, "web", restored.Config.Filter)
	assert.True(t, restored.Filter.Matches([]string{"web"}))
	assert.Equal(t, "/srv/demo", restored.Context.Project.Root)
	assert.JSONEq(t, string(initResponse), string(restored.InitializeResponse))
}

func TestRestoreLegacyRecordFails(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, time.Hour)

	// A record persisted before initialize responses were stored cannot
	// restore the handshake; the client must re-initialize.
	session, _, err := m.CreateSession(InboundConfig{Filter: "web"}, nil, "")
	require.NoError(t, err)

	restarted := NewSessionManager(st, time.Hour)
	_, err = restarted.GetSession(session.ID)
	assert.ErrorIs(t, err, ErrSessionTransportFailed)
}

func TestDeleteSessionRemovesRecord(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, time.Hour)

	session, _, err := m.CreateSession(InboundConfig{}, nil, "")
	require.NoError(t, err)
	m.SetInitializeResponse(session.ID, json.RawMessage(`{}`))

	m.DeleteSession(session.ID)

	restarted := NewSessionManager(st, time.Hour)
	_, err = restarted.GetSession(session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDetachKeepsRecord(t *testing.T) {
	st := newTestStore(t)
	m := NewSessionManager(st, time.Hour)

	session, _, err := m.CreateSession(InboundConfig{}, nil, "")
	require.NoError(t, err)
	m.SetInitializeResponse(session.ID, json.RawMessage(`{}`))

	// Transport close detaches but deliberately leaves the stored record:
	// only explicit DELETE or TTL expiry removes it.
	m.Detach(session.ID)

	restored, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.True(t, restored.Restored)
}

func TestSweepExpired(t *testing.T) {
	m := NewSessionManager(newTestStore(t), 10*time.Millisecond)

	session, _, err := m.CreateSession(InboundConfig{}, nil, "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	expired := m.SweepExpired()
	assert.Contains(t, expired, session.ID)
	assert.Empty(t, m.LiveSessions())
}

func TestTouchExtendsExpiry(t *testing.T) {
	m := NewSessionManager(nil, 50*time.Millisecond)

	session, _, err := m.CreateSession(InboundConfig{}, nil, "")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		m.Touch(session.ID)
	}
	assert.Empty(t, m.SweepExpired())
}

func TestProvidedIDIsKept(t *testing.T) {
	m := NewSessionManager(nil, time.Hour)
	id := GenerateID()

	session, _, err := m.CreateSession(InboundConfig{}, nil, id)
	require.NoError(t, err)
	assert.Equal(t, id, session.ID)
}
