package upstream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"onemcp/internal/config"
	"onemcp/internal/executor"
	"onemcp/pkg/logging"
)

// Manager owns the connections table: one entry per live child instance,
// keyed by connection key. It is the single lifecycle writer; readers take
// read locks during aggregation.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	// templated configs are not connected eagerly; the instance pool derives
	// concrete instances on demand.
	templates map[string]*config.ChildConfig

	events chan Event

	ctx context.Context
}

// NewManager creates an empty connections table.
func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		templates:   make(map[string]*config.ChildConfig),
		events:      make(chan Event, 256),
	}
}

// Events returns the lifecycle event stream consumed by the orchestrator.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start records the lifecycle context and connects every child of the
// initial server list. Connects run in parallel with a fixed bound so one
// slow child cannot serialize startup.
func (m *Manager) Start(ctx context.Context, list *config.ServerList, exec *executor.Executor) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	names := make([]string, 0, len(list.Servers))
	for name := range list.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var jobs []executor.Job
	for _, name := range names {
		cfg := list.Servers[name]
		jobs = append(jobs, executor.Job{
			Name: name,
			Run: func(ctx context.Context) error {
				return m.StartChild(ctx, cfg)
			},
		})
	}

	if exec == nil {
		exec = executor.New(8)
	}
	go exec.Run(ctx, jobs)
}

// StartChild brings up one child. Disabled children get a parked connection
// in StatusDisabled so they still appear in status listings; templated
// children are recorded for on-demand instantiation.
func (m *Manager) StartChild(ctx context.Context, cfg *config.ChildConfig) error {
	if cfg.IsTemplated() {
		m.mu.Lock()
		m.templates[cfg.Name] = cfg.Clone()
		m.mu.Unlock()
		logging.Info("Upstream", "Registered template %s", cfg.Name)
		return nil
	}

	m.mu.Lock()
	if existing, ok := m.connections[cfg.Name]; ok {
		m.mu.Unlock()
		existing.Close()
		m.mu.Lock()
	}
	conn := NewConnection(cfg.Name, cfg, m.events)
	m.connections[cfg.Name] = conn
	lifecycleCtx := m.ctx
	m.mu.Unlock()

	if cfg.Disabled {
		return nil
	}
	if lifecycleCtx == nil {
		lifecycleCtx = ctx
	}
	conn.Connect(lifecycleCtx)
	return nil
}

// StopChild tears down the child and every instance derived from it.
func (m *Manager) StopChild(ctx context.Context, name string) error {
	m.mu.Lock()
	delete(m.templates, name)
	var victims []*Connection
	for key, conn := range m.connections {
		if key == name || strings.HasPrefix(key, name+":") {
			victims = append(victims, conn)
			delete(m.connections, key)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}
	for _, conn := range victims {
		conn.Close()
	}
	logging.Info("Upstream", "Stopped %s (%d instance(s))", name, len(victims))
	return nil
}

// RestartChild applies a changed config conservatively: stop, then start
// with the new config.
func (m *Manager) RestartChild(ctx context.Context, cfg *config.ChildConfig) error {
	if err := m.StopChild(ctx, cfg.Name); err != nil {
		return err
	}
	return m.StartChild(ctx, cfg)
}

// UpdateMetadataOnly applies a tags-only change to every instance of the
// child without restarting anything.
func (m *Manager) UpdateMetadataOnly(ctx context.Context, cfg *config.ChildConfig) error {
	m.mu.Lock()
	if tmpl, ok := m.templates[cfg.Name]; ok {
		tmpl.Tags = append([]string(nil), cfg.Tags...)
	}
	var targets []*Connection
	for key, conn := range m.connections {
		if key == cfg.Name || strings.HasPrefix(key, cfg.Name+":") {
			targets = append(targets, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range targets {
		conn.SetTags(cfg.Tags)
	}
	logging.Debug("Upstream", "Updated metadata for %s (%d instance(s))", cfg.Name, len(targets))
	return nil
}

// Get returns the connection for an exact key.
func (m *Manager) Get(key string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[key]
	return conn, ok
}

// Template returns the templated config registered under a logical name.
func (m *Manager) Template(name string) (*config.ChildConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tmpl, ok := m.templates[name]
	if !ok {
		return nil, false
	}
	return tmpl.Clone(), true
}

// Templates returns a copy of every registered templated config, keyed by
// logical name.
func (m *Manager) Templates() map[string]*config.ChildConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*config.ChildConfig, len(m.templates))
	for name, tmpl := range m.templates {
		out[name] = tmpl.Clone()
	}
	return out
}

// Add inserts a pool-created connection under its instance key and starts
// it.
func (m *Manager) Add(ctx context.Context, key string, conn *Connection) error {
	m.mu.Lock()
	if _, exists := m.connections[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("connection %s already registered", key)
	}
	m.connections[key] = conn
	lifecycleCtx := m.ctx
	m.mu.Unlock()

	if lifecycleCtx == nil {
		lifecycleCtx = ctx
	}
	conn.Connect(lifecycleCtx)
	return nil
}

// Remove closes and forgets one instance by exact key.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	conn, ok := m.connections[key]
	delete(m.connections, key)
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// EventSink returns the channel pooled and in-process connections write
// their lifecycle events to, so every connection shares the manager's
// subscriber.
func (m *Manager) EventSink() chan<- Event {
	return m.events
}

// All returns a snapshot of every connection, keyed by connection key.
func (m *Manager) All() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Connection, len(m.connections))
	for k, v := range m.connections {
		out[k] = v
	}
	return out
}

// ConnectedCount returns the number of connections in StatusConnected.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, conn := range m.connections {
		if conn.IsConnected() {
			count++
		}
	}
	return count
}

// Shutdown closes every connection with the given drain window.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Close()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("Upstream", "Shutdown drain window expired with connections still open")
	}
}
