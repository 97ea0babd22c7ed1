package orchestrator

import (
	"context"
	"sync"
	"time"

	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

// Kind identifies one capability list kind for change notifications.
type Kind int

const (
	KindTools Kind = iota
	KindResources
	KindPrompts
)

// KindSet is the set of capability kinds affected by a change window.
type KindSet struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// Any reports whether at least one kind is set.
func (k KindSet) Any() bool { return k.Tools || k.Resources || k.Prompts }

func (k *KindSet) merge(other KindSet) {
	k.Tools = k.Tools || other.Tools
	k.Resources = k.Resources || other.Resources
	k.Prompts = k.Prompts || other.Prompts
}

var allKinds = KindSet{Tools: true, Resources: true, Prompts: true}

// Sink receives coalesced capability-change fan-outs. Implemented by the
// inbound session layer; delivery is best-effort.
type Sink interface {
	CapabilitiesChanged(servers []string, kinds KindSet)
}

// Config tunes the orchestrator.
type Config struct {
	// WaitForMinimumServers is how many children must reach connected
	// before the proxy reports ready. Zero means ready immediately.
	WaitForMinimumServers int
	// InitialLoadTimeout bounds the wait regardless of server count.
	InitialLoadTimeout time.Duration
	// BatchNotifications coalesces events within BatchDelay windows.
	BatchNotifications bool
	BatchDelay         time.Duration
}

// Orchestrator coordinates first-load admission and converts connection
// lifecycle events into listChanged fan-outs.
type Orchestrator struct {
	cfg    Config
	events <-chan upstream.Event
	sink   Sink

	mu        sync.Mutex
	connected map[string]struct{}
	ready     bool
	readyCh   chan struct{}

	pendingServers map[string]struct{}
	pendingKinds   KindSet
}

// New creates an orchestrator consuming the manager's event stream.
func New(cfg Config, events <-chan upstream.Event, sink Sink) *Orchestrator {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 100 * time.Millisecond
	}
	return &Orchestrator{
		cfg:            cfg,
		events:         events,
		sink:           sink,
		connected:      make(map[string]struct{}),
		readyCh:        make(chan struct{}),
		pendingServers: make(map[string]struct{}),
	}
}

// Run processes events until the context ends. Call on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	// The load timeout admits clients even when children are slow.
	var timeoutCh <-chan time.Time
	if o.cfg.InitialLoadTimeout > 0 {
		timer := time.NewTimer(o.cfg.InitialLoadTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	o.checkReady()

	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-timeoutCh:
			timeoutCh = nil
			o.markReady("initial load timeout")

		case ev, ok := <-o.events:
			if !ok {
				return
			}
			if !o.handleEvent(ev) {
				continue
			}
			if !o.cfg.BatchNotifications {
				o.flush()
				continue
			}
			if flushTimer == nil {
				flushTimer = time.NewTimer(o.cfg.BatchDelay)
				flushCh = flushTimer.C
			}

		case <-flushCh:
			flushTimer = nil
			flushCh = nil
			o.flush()
		}
	}
}

// handleEvent updates readiness tracking and the pending change window.
// Returns true when a notification should eventually go out.
func (o *Orchestrator) handleEvent(ev upstream.Event) bool {
	o.mu.Lock()

	notify := false
	switch ev.Kind {
	case upstream.EventStatusChanged:
		switch ev.Status {
		case upstream.StatusConnected:
			o.connected[ev.Key] = struct{}{}
			o.pendingServers[ev.DisplayName] = struct{}{}
			o.pendingKinds.merge(allKinds)
			notify = true
		case upstream.StatusError, upstream.StatusDisconnected, upstream.StatusAwaitingOAuth:
			if _, was := o.connected[ev.Key]; was {
				delete(o.connected, ev.Key)
				o.pendingServers[ev.DisplayName] = struct{}{}
				o.pendingKinds.merge(allKinds)
				notify = true
			}
		}
	case upstream.EventCapabilitiesUpdated:
		o.pendingServers[ev.DisplayName] = struct{}{}
		o.pendingKinds.merge(allKinds)
		notify = true
	}
	o.mu.Unlock()

	o.checkReady()
	return notify
}

func (o *Orchestrator) checkReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return
	}
	if len(o.connected) >= o.cfg.WaitForMinimumServers {
		o.ready = true
		close(o.readyCh)
		logging.Info("Orchestrator", "Ready: %d server(s) connected", len(o.connected))
	}
}

func (o *Orchestrator) markReady(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return
	}
	o.ready = true
	close(o.readyCh)
	logging.Info("Orchestrator", "Ready: %s", reason)
}

// flush delivers the pending change window to the sink. Failures inside
// the sink are its own concern; there is no retry queue.
func (o *Orchestrator) flush() {
	o.mu.Lock()
	if len(o.pendingServers) == 0 && !o.pendingKinds.Any() {
		o.mu.Unlock()
		return
	}
	servers := make([]string, 0, len(o.pendingServers))
	for s := range o.pendingServers {
		servers = append(servers, s)
	}
	kinds := o.pendingKinds
	o.pendingServers = make(map[string]struct{})
	o.pendingKinds = KindSet{}
	o.mu.Unlock()

	if o.sink != nil {
		o.sink.CapabilitiesChanged(servers, kinds)
	}
}

// WaitReady blocks until the proxy may admit clients or the context ends.
func (o *Orchestrator) WaitReady(ctx context.Context) error {
	select {
	case <-o.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports the current admission state without blocking.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}
