package config

import (
	"context"
	"fmt"
	"sync"

	"onemcp/pkg/logging"
)

// LifecycleHandler receives the minimal lifecycle actions derived from a
// config reload. Implemented by the upstream connection manager.
type LifecycleHandler interface {
	StartChild(ctx context.Context, cfg *ChildConfig) error
	StopChild(ctx context.Context, name string) error
	RestartChild(ctx context.Context, cfg *ChildConfig) error
	UpdateMetadataOnly(ctx context.Context, cfg *ChildConfig) error
}

// Manager owns the current in-memory view of the server list and applies
// reloads as minimal lifecycle actions.
type Manager struct {
	mu      sync.RWMutex
	list    *ServerList
	handler LifecycleHandler

	// onApplied fires after a reload that produced at least one change,
	// tags-only changes included, so the aggregator can recompute and
	// sessions get notified.
	onApplied func(changes []Change)
}

// NewManager creates a config manager seeded with an initial list.
func NewManager(list *ServerList, handler LifecycleHandler) *Manager {
	return &Manager{list: list.Clone(), handler: handler}
}

// OnApplied registers the post-reload callback. At most one is supported.
func (m *Manager) OnApplied(fn func(changes []Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onApplied = fn
}

// Current returns a deep copy of the current server list.
func (m *Manager) Current() *ServerList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Clone()
}

// GetChild returns a copy of one child's config.
func (m *Manager) GetChild(name string) (*ChildConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.list.Servers[name]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Reload re-reads the config file and applies the difference. On a parse or
// validation error the previous config is kept and the error returned.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.RLock()
	path := m.list.Path
	m.mu.RUnlock()

	next, err := LoadServerList(path)
	if err != nil {
		logging.Warn("Config", "Reload rejected, keeping previous config: %v", err)
		return fmt.Errorf("config reload failed: %w", err)
	}
	return m.Apply(ctx, next)
}

// Apply diffs the new list against the current one and dispatches lifecycle
// actions in removal, modification, addition order. A single call produces
// at most one onApplied fan-out.
func (m *Manager) Apply(ctx context.Context, next *ServerList) error {
	m.mu.Lock()
	old := m.list
	changes := Diff(old.Servers, next.Servers)
	m.list = next.Clone()
	handler := m.handler
	onApplied := m.onApplied
	m.mu.Unlock()

	if len(changes) == 0 {
		logging.Debug("Config", "Reload produced no changes")
		return nil
	}

	var functional []Change
	for i := range changes {
		change := changes[i]
		if err := m.dispatch(ctx, handler, &change); err != nil {
			logging.Error("Config", err, "Failed to apply %s change for %s", change.Kind, change.Name)
			// Keep going: one broken child must not block the rest of the batch.
		}
		functional = append(functional, change)
	}

	logging.Info("Config", "Applied %d config change(s)", len(changes))
	if onApplied != nil && len(functional) > 0 {
		onApplied(functional)
	}
	return nil
}

func (m *Manager) dispatch(ctx context.Context, handler LifecycleHandler, change *Change) error {
	if handler == nil {
		return nil
	}

	switch change.Kind {
	case ChangeAdded:
		if change.New.Disabled {
			return nil
		}
		return handler.StartChild(ctx, change.New.Clone())

	case ChangeRemoved:
		return handler.StopChild(ctx, change.Name)

	case ChangeModified:
		if change.MetadataOnly() {
			return handler.UpdateMetadataOnly(ctx, change.New.Clone())
		}
		if toggled, nowDisabled := change.DisableToggled(); toggled {
			if nowDisabled {
				return handler.StopChild(ctx, change.Name)
			}
			return handler.StartChild(ctx, change.New.Clone())
		}
		if change.New.Disabled {
			// Still disabled; nothing is running, just remember the new config.
			return nil
		}
		return handler.RestartChild(ctx, change.New.Clone())

	default:
		return fmt.Errorf("unknown change kind %d", change.Kind)
	}
}
