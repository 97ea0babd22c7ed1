package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/google/uuid"
)

// cleanupTick is how often idle instances are checked for eviction.
const cleanupTick = 500 * time.Millisecond

// Options tune one getOrCreate call; they default from the child's template
// block.
type Options struct {
	Shareable   bool
	PerClient   bool
	IdleTimeout time.Duration
}

// entry is the pool's bookkeeping for one live instance.
type entry struct {
	key      string
	conn     *upstream.Connection
	hash     string
	clients  map[string]struct{}
	lastUsed time.Time
}

// Pool owns the concrete child instances derived from templated configs.
// Shareable instances are keyed by the binding hash and reference-counted
// by client; per-client instances are keyed by the client's session ID.
type Pool struct {
	manager  *upstream.Manager
	resolver *upstream.Resolver
	engine   *template.Engine

	defaultIdle  time.Duration
	maxInstances int

	mu      sync.Mutex
	entries map[string]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPool creates an instance pool over the connection manager.
func NewPool(manager *upstream.Manager, resolver *upstream.Resolver, engine *template.Engine, defaultIdle time.Duration, maxInstances int) *Pool {
	if defaultIdle <= 0 {
		defaultIdle = config.DefaultInstanceIdle
	}
	if maxInstances <= 0 {
		maxInstances = config.DefaultMaxInstances
	}
	return &Pool{
		manager:      manager,
		resolver:     resolver,
		engine:       engine,
		defaultIdle:  defaultIdle,
		maxInstances: maxInstances,
		entries:      make(map[string]*entry),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the idle eviction loop.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.CleanupIdleInstances()
			}
		}
	}()
}

// optionsFor derives the effective options from the template block.
func (p *Pool) optionsFor(cfg *config.ChildConfig) Options {
	opts := Options{Shareable: true}
	if cfg.Template != nil {
		opts.Shareable = cfg.Template.Shareable
		opts.PerClient = cfg.Template.PerClient
		opts.IdleTimeout = cfg.Template.IdleTimeout.Duration()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = p.defaultIdle
	}
	return opts
}

// GetOrCreateInstance resolves a templated config against the session
// context and returns the connection servicing it, creating and connecting
// a new instance when no compatible one exists.
func (p *Pool) GetOrCreateInstance(ctx context.Context, name string, templated *config.ChildConfig, sessionCtx *template.ContextData, clientID string) (*upstream.Connection, error) {
	binding, err := p.engine.Resolve(templated, sessionCtx)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	rendered, err := p.engine.Expand(templated, binding)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	if err := config.ValidateChild(rendered); err != nil {
		return nil, fmt.Errorf("template %s rendered an invalid config: %w", name, err)
	}

	opts := p.optionsFor(templated)
	hash := binding.Hash()

	var key string
	switch {
	case opts.PerClient:
		key = name + ":" + clientID
	case opts.Shareable:
		key = name + ":" + hash
	default:
		key = name + ":" + uuid.NewString()[:12]
	}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.clients[clientID] = struct{}{}
		e.lastUsed = time.Now()
		conn := e.conn
		p.mu.Unlock()
		p.resolver.RecordBinding(clientID, name, hash)
		return conn, nil
	}

	if len(p.entries) >= p.maxInstances {
		p.evictLRUIdleLocked()
	}

	conn := upstream.NewConnection(key, rendered, p.manager.EventSink())
	conn.SetInstanceHash(hash)
	e := &entry{
		key:      key,
		conn:     conn,
		hash:     hash,
		clients:  map[string]struct{}{clientID: {}},
		lastUsed: time.Now(),
	}
	p.entries[key] = e
	p.mu.Unlock()

	if err := p.manager.Add(ctx, key, conn); err != nil {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
		return nil, err
	}

	p.resolver.RecordBinding(clientID, name, hash)
	logging.Info("Instances", "Created instance %s for client %s", key, logging.TruncateSessionID(clientID))
	return conn, nil
}

// ReleaseClient drops a client's claim on an instance. The instance stays
// alive until idle eviction collects it.
func (p *Pool) ReleaseClient(name, hash, clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.hash != hash {
			continue
		}
		if _, ok := e.clients[clientID]; ok {
			delete(e.clients, clientID)
			e.lastUsed = time.Now()
		}
	}
}

// ReleaseSession drops every claim a session holds, including its
// per-client instances.
func (p *Pool) ReleaseSession(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if _, ok := e.clients[clientID]; ok {
			delete(e.clients, clientID)
			e.lastUsed = time.Now()
		}
	}
}

// CleanupIdleInstances destroys instances with no clients whose idle time
// exceeded their timeout.
func (p *Pool) CleanupIdleInstances() {
	now := time.Now()

	p.mu.Lock()
	var victims []*entry
	for key, e := range p.entries {
		if len(e.clients) > 0 {
			continue
		}
		idle := p.defaultIdle
		if cfg := e.conn.Config(); cfg.Template != nil && cfg.Template.IdleTimeout.Duration() > 0 {
			idle = cfg.Template.IdleTimeout.Duration()
		}
		if now.Sub(e.lastUsed) >= idle {
			victims = append(victims, e)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.manager.Remove(e.key)
		logging.Info("Instances", "Evicted idle instance %s", e.key)
	}
}

// evictLRUIdleLocked eagerly evicts the least-recently-used idle instance
// to make room under the hard cap. Caller holds the pool lock.
func (p *Pool) evictLRUIdleLocked() {
	var oldest *entry
	for _, e := range p.entries {
		if len(e.clients) > 0 {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	delete(p.entries, oldest.key)
	go p.manager.Remove(oldest.key)
	logging.Info("Instances", "Evicted %s to stay under the instance cap", oldest.key)
}

// Shutdown destroys every instance.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		p.manager.Remove(e.key)
	}
}

// Size returns the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
