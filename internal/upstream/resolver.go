package upstream

import (
	"fmt"
	"strings"
	"sync"

	"onemcp/internal/tags"
)

// Resolver translates a logical child name plus an optional session into
// the physical connection that should service a request. It is the only
// component aware of the key suffix scheme.
type Resolver struct {
	manager *Manager

	// bindings records, per session, which template binding hash each
	// logical name resolved to.
	mu       sync.RWMutex
	bindings map[string]map[string]string // sessionID -> name -> hash
}

// NewResolver creates a resolver over the manager's connections table.
func NewResolver(manager *Manager) *Resolver {
	return &Resolver{
		manager:  manager,
		bindings: make(map[string]map[string]string),
	}
}

// RecordBinding associates a session with the binding hash its expansion of
// a templated child produced.
func (r *Resolver) RecordBinding(sessionID, name, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.bindings[sessionID]
	if !ok {
		byName = make(map[string]string)
		r.bindings[sessionID] = byName
	}
	byName[name] = hash
}

// DropSession forgets every binding of a session.
func (r *Resolver) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, sessionID)
}

// bindingHash returns the recorded hash for (session, name), if any.
func (r *Resolver) bindingHash(sessionID, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName, ok := r.bindings[sessionID]
	if !ok {
		return "", false
	}
	hash, ok := byName[name]
	return hash, ok
}

// Resolve returns the connection servicing a logical name for a session.
// Keys are probed in order: per-client, per-binding, static. The result is
// stable for repeated calls without intervening lifecycle changes.
func (r *Resolver) Resolve(name, sessionID string) (*Connection, error) {
	if sessionID != "" {
		if conn, ok := r.manager.Get(name + ":" + sessionID); ok {
			return conn, nil
		}
		if hash, ok := r.bindingHash(sessionID, name); ok {
			if conn, ok := r.manager.Get(name + ":" + hash); ok {
				return conn, nil
			}
		}
	}
	if conn, ok := r.manager.Get(name); ok {
		return conn, nil
	}
	return nil, fmt.Errorf("server %s: %w", name, ErrNotFound)
}

// FindByServerName is the fallback used by meta tools: exact key, then any
// connection whose display name matches, then any key prefixed by the name.
func (r *Resolver) FindByServerName(name string) (*Connection, error) {
	if conn, ok := r.manager.Get(name); ok {
		return conn, nil
	}

	all := r.manager.All()
	for _, conn := range all {
		if conn.DisplayName() == name {
			return conn, nil
		}
	}
	for key, conn := range all {
		if strings.HasPrefix(key, name+":") {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("server %s: %w", name, ErrNotFound)
}

// Visible enumerates the connections a session may see: static keys whose
// tags pass the filter, this session's per-client keys, and the binding
// hashes recorded for this session. Instances owned by other sessions or
// other bindings are excluded.
func (r *Resolver) Visible(sessionID string, filter tags.Query) []*Connection {
	if filter == nil {
		filter = tags.MatchAll{}
	}

	var out []*Connection
	for key, conn := range r.manager.All() {
		name, suffix, templated := strings.Cut(key, ":")
		if templated {
			if sessionID == "" {
				continue
			}
			hash, bound := r.bindingHash(sessionID, name)
			if suffix != sessionID && (!bound || suffix != hash) {
				continue
			}
		}
		if !filter.Matches(conn.Tags()) {
			continue
		}
		out = append(out, conn)
	}
	return out
}
