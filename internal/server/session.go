package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"onemcp/internal/store"
	"onemcp/internal/tags"
	"onemcp/internal/template"
	"onemcp/pkg/logging"

	"github.com/google/uuid"
)

// Session errors form the closed result set of the session manager.
var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTransportFailed covers restores that cannot produce a usable
	// transport, including legacy records without a stored initialize
	// response.
	ErrSessionTransportFailed = errors.New("session transport failed")
	ErrSessionContextInvalid  = errors.New("session context invalid")
)

// sessionIDPrefix marks server-generated streamable-http session IDs.
const sessionIDPrefix = "mcp_"

// storePrefix is the record prefix sessions persist under.
const storePrefix = "mcp_"

// InboundConfig is the per-session view configuration.
type InboundConfig struct {
	// Filter is the raw tag expression restricting visible children.
	Filter string `json:"filter,omitempty"`
}

// Session is one inbound client session.
type Session struct {
	ID      string
	Config  InboundConfig
	Filter  tags.Query
	Context *template.ContextData

	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time

	// InitializeResponse is the stored northbound initialize result, needed
	// to restore streamable-http sessions across proxy restarts.
	InitializeResponse json.RawMessage

	// Restored marks sessions rebuilt from the store after a restart.
	Restored bool
}

// sessionRecord is the persisted form.
type sessionRecord struct {
	InboundConfig      InboundConfig         `json:"inboundConfig"`
	Context            *template.ContextData `json:"context,omitempty"`
	InitializeResponse json.RawMessage       `json:"initializeResponse,omitempty"`
	CreatedAt          int64                 `json:"createdAt"`
	Expires            int64                 `json:"expires"`
}

// SessionManager owns the inbound session index. Live sessions are held in
// memory; streamable-http sessions are persisted best-effort so they
// survive proxy restarts.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store *store.Store
	ttl   time.Duration
	now   func() time.Time

	// onDelete fires after a session is removed (explicit DELETE or TTL
	// expiry) so bindings and instance claims can be released.
	onDelete func(id string)
}

// SetOnDelete registers the removal callback. At most one is supported.
func (m *SessionManager) SetOnDelete(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = fn
}

// NewSessionManager creates a session manager. store may be nil for the
// stdio-only mode, which never persists.
func NewSessionManager(st *store.Store, ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		store:    st,
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateID mints a new server-side session ID: a prefixed UUIDv4.
func GenerateID() string {
	return sessionIDPrefix + uuid.NewString()
}

// storeID splits the wire session ID into the store's (prefix, id) pair.
// Returns false for IDs that are not server-generated.
func storeID(sessionID string) (string, bool) {
	if !strings.HasPrefix(sessionID, sessionIDPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sessionID, sessionIDPrefix), true
}

// CreateSession registers a new session. providedID may be empty, in which
// case an ID is generated. Persistence failures are logged, not fatal; the
// second return reports whether the record was persisted.
func (m *SessionManager) CreateSession(cfg InboundConfig, sessionCtx *template.ContextData, providedID string) (*Session, bool, error) {
	filter, err := tags.Parse(cfg.Filter)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSessionContextInvalid, err)
	}

	id := providedID
	if id == "" {
		id = GenerateID()
	}

	now := m.now()
	session := &Session{
		ID:             id,
		Config:         cfg,
		Filter:         filter,
		Context:        sessionCtx,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		LastAccessedAt: now,
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	persisted := m.persist(session)
	logging.Info("Sessions", "Created session %s (persisted=%t)", logging.TruncateSessionID(id), persisted)
	return session, persisted, nil
}

// persist writes the session record best-effort.
func (m *SessionManager) persist(session *Session) bool {
	if m.store == nil {
		return false
	}
	id, ok := storeID(session.ID)
	if !ok {
		return false
	}
	record := sessionRecord{
		InboundConfig:      session.Config,
		Context:            session.Context,
		InitializeResponse: session.InitializeResponse,
		CreatedAt:          session.CreatedAt.UnixMilli(),
		Expires:            session.ExpiresAt.UnixMilli(),
	}
	if err := m.store.Write(storePrefix, id, &record); err != nil {
		logging.Warn("Sessions", "Failed to persist session %s: %v", logging.TruncateSessionID(session.ID), err)
		return false
	}
	return true
}

// SetInitializeResponse stores the northbound initialize result for later
// restoration and re-persists the record.
func (m *SessionManager) SetInitializeResponse(sessionID string, response json.RawMessage) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		session.InitializeResponse = response
	}
	m.mu.Unlock()
	if ok {
		m.persist(session)
	}
}

// GetSession returns the live session, attempting a restore from the store
// when the ID is unknown in memory.
func (m *SessionManager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		if m.expired(session) {
			m.DeleteSession(id)
			return nil, ErrSessionNotFound
		}
		return session, nil
	}
	return m.RestoreSession(id)
}

// RestoreSession rebuilds a session from its stored record. Records written
// before the initialize response existed cannot restore the handshake state
// and fail with ErrSessionTransportFailed: the client must re-initialize.
func (m *SessionManager) RestoreSession(id string) (*Session, error) {
	if m.store == nil {
		return nil, ErrSessionNotFound
	}
	rawID, ok := storeID(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	var record sessionRecord
	found, err := m.store.Read(storePrefix, rawID, &record)
	if err != nil || !found {
		return nil, ErrSessionNotFound
	}

	if len(record.InitializeResponse) == 0 {
		logging.Warn("Sessions", "Session %s predates stored initialize responses; client must re-initialize",
			logging.TruncateSessionID(id))
		return nil, ErrSessionTransportFailed
	}

	filter, err := tags.Parse(record.InboundConfig.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionContextInvalid, err)
	}

	now := m.now()
	session := &Session{
		ID:                 id,
		Config:             record.InboundConfig,
		Filter:             filter,
		Context:            record.Context,
		CreatedAt:          time.UnixMilli(record.CreatedAt),
		ExpiresAt:          now.Add(m.ttl),
		LastAccessedAt:     now,
		InitializeResponse: record.InitializeResponse,
		Restored:           true,
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.persist(session)
	logging.Info("Sessions", "Restored session %s", logging.TruncateSessionID(id))
	return session, nil
}

// Touch bumps the session's access time and sliding expiry.
func (m *SessionManager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		session.LastAccessedAt = m.now()
		session.ExpiresAt = session.LastAccessedAt.Add(m.ttl)
	}
}

// DeleteSession removes a session explicitly (HTTP DELETE). This is the
// only code path besides TTL expiry that removes the stored record;
// transport close deliberately does not.
func (m *SessionManager) DeleteSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if m.store != nil {
		if rawID, ok := storeID(id); ok {
			if err := m.store.Delete(storePrefix, rawID); err != nil {
				logging.Warn("Sessions", "Failed to delete session record %s: %v", logging.TruncateSessionID(id), err)
			}
		}
	}
	m.mu.RLock()
	onDelete := m.onDelete
	m.mu.RUnlock()
	if onDelete != nil {
		onDelete(id)
	}
	logging.Info("Sessions", "Deleted session %s", logging.TruncateSessionID(id))
}

// Detach drops the in-memory session without touching the stored record.
// This is the transport-close path; the session stays restorable.
func (m *SessionManager) Detach(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// LiveSessions returns a snapshot of the in-memory sessions.
func (m *SessionManager) LiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SweepExpired closes and forgets sessions whose TTL elapsed.
func (m *SessionManager) SweepExpired() []string {
	m.mu.Lock()
	var expired []string
	for id, session := range m.sessions {
		if m.expired(session) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	m.mu.RLock()
	onDelete := m.onDelete
	m.mu.RUnlock()

	for _, id := range expired {
		if m.store != nil {
			if rawID, ok := storeID(id); ok {
				m.store.Delete(storePrefix, rawID)
			}
		}
		if onDelete != nil {
			onDelete(id)
		}
	}
	return expired
}

func (m *SessionManager) expired(session *Session) bool {
	return m.now().After(session.ExpiresAt)
}
