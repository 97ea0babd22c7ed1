package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Status is the lifecycle state of one child connection.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusAwaitingOAuth Status = "awaitingOAuth"
	StatusError         Status = "error"
	StatusDisabled      Status = "disabled"
)

// EventKind discriminates connection events.
type EventKind int

const (
	// EventStatusChanged fires on every status transition.
	EventStatusChanged EventKind = iota
	// EventCapabilitiesUpdated fires when the cached capability lists changed.
	EventCapabilitiesUpdated
)

// Event is a connection lifecycle event delivered to the manager's
// subscribers.
type Event struct {
	Kind        EventKind
	Key         string
	DisplayName string
	Status      Status
	Err         error
}

// CapabilityFlags records what the child advertised during the handshake.
type CapabilityFlags struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// Default supervision parameters.
const (
	defaultConnectionTimeout = 10 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultRestartDelay      = time.Second
	defaultMaxRestarts       = 5
	// healthyResetAfter is how long a connection must stay healthy before
	// the restart counter resets.
	healthyResetAfter = 60 * time.Second
	// Health probes run between these bounds; the interval grows with idle
	// time, so recently used children are probed most often and idle ones
	// least often.
	minProbeInterval = 15 * time.Second
	maxProbeInterval = 5 * time.Minute
)

// Connection is one supervised child: its transport client, cached
// capability lists, health state, and restart policy.
type Connection struct {
	key         string
	displayName string

	mu     sync.RWMutex
	cfg    *config.ChildConfig
	client MCPClient
	status Status

	lastError       error
	lastConnectedAt time.Time
	lastUsed        time.Time

	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
	flags     CapabilityFlags

	restarts int

	// instanceHash is set for template-derived connections; empty for
	// static children.
	instanceHash string

	// factory overrides the config-driven transport construction. Used by
	// in-process children like the internal tools catalog.
	factory func() (MCPClient, error)

	events chan<- Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnection creates an unstarted connection. events receives lifecycle
// events; it must be serviced or buffered by the owner.
func NewConnection(key string, cfg *config.ChildConfig, events chan<- Event) *Connection {
	status := StatusDisconnected
	if cfg.Disabled {
		status = StatusDisabled
	}
	return &Connection{
		key:         key,
		displayName: cfg.Name,
		cfg:         cfg.Clone(),
		status:      status,
		events:      events,
	}
}

// NewConnectionWithFactory creates a connection whose transport comes from
// the given factory instead of the config. In-process children use this.
func NewConnectionWithFactory(key string, cfg *config.ChildConfig, events chan<- Event, factory func() (MCPClient, error)) *Connection {
	conn := NewConnection(key, cfg, events)
	conn.factory = factory
	return conn
}

// Key returns the process-internal identity of this connection.
func (c *Connection) Key() string { return c.key }

// DisplayName returns the user-visible child name. It is always the clean
// config name, never the suffixed key.
func (c *Connection) DisplayName() string { return c.displayName }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsConnected reports whether requests can currently be served.
func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

// LastError returns the most recent failure, if any.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Tags returns the child's current tag set.
func (c *Connection) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.cfg.Tags...)
}

// SetTags replaces the tag set without touching the connection. This is the
// metadata-only update path; in-flight requests are never interrupted.
func (c *Connection) SetTags(tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Tags = append([]string(nil), tags...)
}

// Config returns a copy of the connection's config.
func (c *Connection) Config() *config.ChildConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Clone()
}

// InstanceHash returns the template binding hash, empty for static children.
func (c *Connection) InstanceHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceHash
}

// SetInstanceHash records the owning template binding.
func (c *Connection) SetInstanceHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceHash = hash
}

// Capabilities returns the cached capability lists.
func (c *Connection) Capabilities() (tools []mcp.Tool, resources []mcp.Resource, prompts []mcp.Prompt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Tool(nil), c.tools...),
		append([]mcp.Resource(nil), c.resources...),
		append([]mcp.Prompt(nil), c.prompts...)
}

// Flags returns the child's advertised capability flags.
func (c *Connection) Flags() CapabilityFlags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags
}

// Connect starts the supervision loop. It returns immediately; the status
// event that follows StatusConnecting reports the outcome of the initial
// attempt.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.ctx != nil || c.status == StatusDisabled {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise()
}

// Close tears the connection down and stops supervision.
func (c *Connection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.ctx = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.teardown()
	c.setStatus(StatusDisconnected, nil)
}

// Disconnect closes the transport but leaves the connection value alive so
// it can be reconnected later.
func (c *Connection) Disconnect() {
	c.Close()
}

func (c *Connection) teardown() {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.mu.Unlock()

	if cl != nil {
		if err := cl.Close(); err != nil {
			logging.Debug("Upstream", "Error closing client for %s: %v", c.key, err)
		}
	}
}

// supervise runs connect attempts, health probes, and restarts until the
// context is cancelled.
func (c *Connection) supervise() {
	defer c.wg.Done()

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	if ctx == nil {
		return
	}

	// When the loop exits on its own (gave up, parked on OAuth, permanent
	// error) release the context so a later Connect can start over. Close
	// owns the cancelled case.
	defer func() {
		c.mu.Lock()
		if c.ctx != nil && c.ctx.Err() == nil {
			cancel := c.cancel
			c.ctx = nil
			c.cancel = nil
			if cancel != nil {
				defer cancel()
			}
		}
		c.mu.Unlock()
	}()

	for {
		err := c.connectOnce(ctx)
		if err == nil {
			// Connected; probe until failure or shutdown.
			err = c.probeLoop(ctx)
		}

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrProtocolMismatch) {
			// Permanent; no restart applies.
			c.setStatus(StatusError, err)
			return
		}
		if errors.Is(err, ErrAuthRequired) {
			// Park until the external OAuth flow signals completion.
			c.setStatus(StatusAwaitingOAuth, err)
			return
		}

		c.setStatus(StatusError, err)

		cfg := c.Config()
		if !cfg.RestartOnExit {
			return
		}
		maxRestarts := cfg.MaxRestarts
		if maxRestarts == 0 {
			maxRestarts = defaultMaxRestarts
		}

		c.mu.Lock()
		c.restarts++
		attempt := c.restarts
		c.mu.Unlock()

		if attempt > maxRestarts {
			logging.Warn("Upstream", "Giving up on %s after %d restart(s)", c.key, attempt-1)
			return
		}

		delay := backoffDelay(cfg.RestartDelay.Duration(), attempt)
		logging.Info("Upstream", "Restarting %s in %s (attempt %d/%d)", c.key, delay, attempt, maxRestarts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes the exponential backoff with ±20% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRestartDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 2*time.Minute {
			delay = 2 * time.Minute
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// connectOnce performs a single transport connect + handshake + capability
// discovery.
func (c *Connection) connectOnce(ctx context.Context) error {
	c.setStatus(StatusConnecting, nil)

	cfg := c.Config()
	var cl MCPClient
	var err error
	if c.factory != nil {
		cl, err = c.factory()
	} else {
		cl, err = NewClient(cfg)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	connectTimeout := cfg.ConnectionTimeout.Duration()
	if connectTimeout <= 0 {
		if cfg.Timeout.Duration() > 0 {
			connectTimeout = cfg.Timeout.Duration()
		} else {
			connectTimeout = defaultConnectionTimeout
		}
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	initResult, err := cl.Initialize(connectCtx)
	if err != nil {
		cl.Close()
		return err
	}

	c.mu.Lock()
	c.client = cl
	if initResult != nil {
		c.flags = CapabilityFlags{
			Tools:     initResult.Capabilities.Tools != nil,
			Resources: initResult.Capabilities.Resources != nil,
			Prompts:   initResult.Capabilities.Prompts != nil,
		}
	}
	c.lastConnectedAt = time.Now()
	c.lastUsed = time.Now()
	c.mu.Unlock()

	if err := c.RefreshCapabilities(ctx); err != nil {
		logging.Warn("Upstream", "Initial capability fetch for %s failed: %v", c.key, err)
	}

	c.setStatus(StatusConnected, nil)
	logging.Info("Upstream", "Connected to %s", c.key)
	return nil
}

// probeLoop sends health probes until one fails or the context ends. The
// probe interval grows with idle time. Returns the probe error.
func (c *Connection) probeLoop(ctx context.Context) error {
	for {
		interval := c.probeInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.probe(probeCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.teardown()
			return fmt.Errorf("health probe for %s failed: %w", c.key, err)
		}

		c.maybeResetRestarts()
	}
}

// probe issues a lightweight request: ping, falling back to an empty
// tools/list for children that do not implement ping.
func (c *Connection) probe(ctx context.Context) error {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return ErrNotConnected
	}

	err := cl.Ping(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	// Ping may simply be unsupported; an empty tools/list answers the same
	// liveness question.
	if _, listErr := cl.ListTools(ctx); listErr == nil {
		return nil
	}
	return err
}

func (c *Connection) probeInterval() time.Duration {
	c.mu.RLock()
	idle := time.Since(c.lastUsed)
	c.mu.RUnlock()

	interval := minProbeInterval + idle/4
	if interval > maxProbeInterval {
		interval = maxProbeInterval
	}
	return interval
}

func (c *Connection) maybeResetRestarts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restarts > 0 && time.Since(c.lastConnectedAt) >= healthyResetAfter {
		c.restarts = 0
	}
}

// ResolveOAuth delivers an access token issued by the external OAuth flow
// and resumes connecting.
func (c *Connection) ResolveOAuth(ctx context.Context, accessToken string) {
	c.mu.Lock()
	if c.cfg.OAuth == nil {
		c.cfg.OAuth = &config.OAuthConfig{}
	}
	c.cfg.OAuth.AccessToken = accessToken
	resume := c.status == StatusAwaitingOAuth
	c.mu.Unlock()

	if resume {
		c.Connect(ctx)
	}
}

func (c *Connection) setStatus(status Status, err error) {
	c.mu.Lock()
	if c.status == status && err == nil {
		c.mu.Unlock()
		return
	}
	c.status = status
	if err != nil {
		c.lastError = err
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventStatusChanged, Key: c.key, DisplayName: c.displayName, Status: status, Err: err})
}

func (c *Connection) emit(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		logging.Debug("Upstream", "Dropping event for %s: subscriber too slow", ev.Key)
	}
}

// RefreshCapabilities re-fetches the tool, resource, and prompt lists and
// emits a capabilities-updated event when anything changed.
func (c *Connection) RefreshCapabilities(ctx context.Context) error {
	c.mu.RLock()
	cl := c.client
	flags := c.flags
	c.mu.RUnlock()
	if cl == nil {
		return ErrNotConnected
	}

	tools, err := cl.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools for %s: %w", c.key, err)
	}

	var resources []mcp.Resource
	if flags.Resources {
		if resources, err = cl.ListResources(ctx); err != nil {
			logging.Debug("Upstream", "Failed to list resources for %s: %v", c.key, err)
			resources = nil
		}
	}

	var prompts []mcp.Prompt
	if flags.Prompts {
		if prompts, err = cl.ListPrompts(ctx); err != nil {
			logging.Debug("Upstream", "Failed to list prompts for %s: %v", c.key, err)
			prompts = nil
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.resources = resources
	c.prompts = prompts
	c.mu.Unlock()

	c.emit(Event{Kind: EventCapabilitiesUpdated, Key: c.key, DisplayName: c.displayName, Status: c.Status()})
	return nil
}

// requestContext derives the per-request context honoring requestTimeout.
func (c *Connection) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	cfg := c.Config()
	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		if cfg.Timeout.Duration() > 0 {
			timeout = cfg.Timeout.Duration()
		} else {
			timeout = defaultRequestTimeout
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) liveClient() (MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusConnected || c.client == nil {
		return nil, fmt.Errorf("%s: %w", c.key, ErrNotConnected)
	}
	return c.client, nil
}

// CallTool forwards a tool call to the child.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cl, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	c.touch()
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	return cl.CallTool(reqCtx, name, args)
}

// ListTools returns the child's cached tool list, refreshing when empty.
func (c *Connection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	cached := len(c.tools)
	c.mu.RUnlock()
	if cached == 0 {
		if err := c.RefreshCapabilities(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}
	tools, _, _ := c.Capabilities()
	return tools, nil
}

// ReadResource forwards a resource read to the child.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cl, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	c.touch()
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	return cl.ReadResource(reqCtx, uri)
}

// GetPrompt forwards a prompt fetch to the child.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	cl, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	c.touch()
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	return cl.GetPrompt(reqCtx, name, args)
}

// LoadToolSchema fetches one tool's full descriptor from the child. Used by
// the schema cache loader.
func (c *Connection) LoadToolSchema(ctx context.Context, toolName string) (*mcp.Tool, error) {
	cl, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	c.touch()
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	tools, err := cl.ListTools(reqCtx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Name == toolName {
			return &tools[i], nil
		}
	}
	return nil, fmt.Errorf("tool %s on %s: %w", toolName, c.displayName, ErrNotFound)
}
