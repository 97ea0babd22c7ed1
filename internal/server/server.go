package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/tags"
	"onemcp/internal/template"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config are the inbound server settings.
type Config struct {
	Host      string
	Port      int
	Transport string

	// StdioFilter and StdioContext seed the single stdio session from CLI
	// flags.
	StdioFilter  string
	StdioContext *template.ContextData

	Version string
}

// InstancePool derives concrete child instances from templated configs.
// Implemented by the instance pool; nil when no templates are configured.
type InstancePool interface {
	GetOrCreateInstance(ctx context.Context, name string, templated *config.ChildConfig, sessionCtx *template.ContextData, clientID string) (*upstream.Connection, error)
}

// TemplateSource lists the templated configs registered with the
// connection manager.
type TemplateSource interface {
	Templates() map[string]*config.ChildConfig
}

// Server is the northbound MCP endpoint: it exposes the aggregate view to
// clients over stdio or streamable HTTP, routes calls to the owning child,
// and pushes listChanged notifications.
type Server struct {
	cfg Config

	sessions    *SessionManager
	resolver    *upstream.Resolver
	agg         *aggregator.Aggregator
	schemaCache *aggregator.SchemaCache
	pool        InstancePool
	templates   TemplateSource

	mcpServer            *mcpserver.MCPServer
	streamableHTTPServer *mcpserver.StreamableHTTPServer
	stdioServer          *mcpserver.StdioServer
	httpServers          []*http.Server

	// Active item tracking: which namespaced names currently have handlers
	// registered with the MCP server.
	regMu         sync.Mutex
	activeTools   map[string]bool
	activePrompts map[string]bool
	activeRes     map[string]bool

	// Per-session previous snapshots for change diffing.
	snapMu    sync.Mutex
	snapshots map[string]*aggregator.Snapshot

	stdioSession *Session

	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	isShuttingDown bool
	errorCallback  func(error)
}

// New creates an unstarted server.
func New(cfg Config, sessions *SessionManager, resolver *upstream.Resolver, agg *aggregator.Aggregator, schemaCache *aggregator.SchemaCache, errorCallback func(error)) *Server {
	if errorCallback == nil {
		errorCallback = func(error) {}
	}
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		resolver:      resolver,
		agg:           agg,
		schemaCache:   schemaCache,
		activeTools:   make(map[string]bool),
		activePrompts: make(map[string]bool),
		activeRes:     make(map[string]bool),
		snapshots:     make(map[string]*aggregator.Snapshot),
		errorCallback: errorCallback,
	}
}

// SetInstancePool wires the template instance pool and its source of
// templated configs. Must be called before Start.
func (s *Server) SetInstancePool(pool InstancePool, templates TemplateSource) {
	s.pool = pool
	s.templates = templates
}

// ensureInstances instantiates every templated child the session's context
// can bind, so its connections appear in the session's view. Creation is
// asynchronous: instances connect in the background and surface through
// listChanged.
func (s *Server) ensureInstances(ctx context.Context, session *Session) {
	if s.pool == nil || s.templates == nil || session.ID == "" {
		return
	}
	for name, tmpl := range s.templates.Templates() {
		if !session.Filter.Matches(tmpl.Tags) {
			continue
		}
		if _, err := s.pool.GetOrCreateInstance(ctx, name, tmpl, session.Context, session.ID); err != nil {
			logging.Debug("Server", "Cannot instantiate template %s for session %s: %v",
				name, logging.TruncateSessionID(session.ID), err)
		}
	}
}

// Start brings up the MCP server and the configured inbound transport.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	hooks := &mcpserver.Hooks{}
	hooks.AddAfterInitialize(s.afterInitialize)

	mcpSrv := mcpserver.NewMCPServer(
		"1mcp",
		s.cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolFilter(s.sessionToolFilter),
		mcpserver.WithHooks(hooks),
	)
	s.mcpServer = mcpSrv
	s.isShuttingDown = false
	s.mu.Unlock()

	if s.cfg.Transport == config.MCPTransportStdio {
		session, _, err := s.sessions.CreateSession(InboundConfig{Filter: s.cfg.StdioFilter}, s.cfg.StdioContext, GenerateID())
		if err != nil {
			return fmt.Errorf("invalid stdio session configuration: %w", err)
		}
		s.stdioSession = session
	}

	s.UpdateCapabilities()

	switch s.cfg.Transport {
	case config.MCPTransportStdio:
		logging.Info("Server", "Starting MCP server with stdio transport")
		s.stdioServer = mcpserver.NewStdioServer(mcpSrv)
		stdioServer := s.stdioServer
		go func() {
			if err := stdioServer.Listen(s.ctx, os.Stdin, os.Stdout); err != nil && s.ctx.Err() == nil {
				logging.Error("Server", err, "Stdio server error")
				s.errorCallback(err)
			}
		}()
		return nil

	case config.MCPTransportStreamableHTTP:
		fallthrough
	default:
		return s.startStreamableHTTP()
	}
}

func (s *Server) startStreamableHTTP() error {
	s.streamableHTTPServer = mcpserver.NewStreamableHTTPServer(
		s.mcpServer,
		mcpserver.WithSessionIdManager(&sessionIDManager{sessions: s.sessions}),
		mcpserver.WithHTTPContextFunc(requestContextFunc),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", s.streamableHTTPServer)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// Systemd socket activation takes precedence over binding our own
	// listener.
	var systemdListeners []net.Listener
	listenersWithNames, err := activation.ListenersWithNames()
	if err != nil {
		logging.Error("Server", err, "Failed to query systemd listeners")
	} else {
		for name, listeners := range listenersWithNames {
			for _, l := range listeners {
				logging.Info("Server", "Using systemd listener %s", name)
				systemdListeners = append(systemdListeners, l)
			}
		}
	}

	if len(systemdListeners) > 0 {
		for i, listener := range systemdListeners {
			server := &http.Server{Handler: mux}
			s.httpServers = append(s.httpServers, server)
			go func(srv *http.Server, l net.Listener, index int) {
				if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
					logging.Error("Server", err, "listener %d: HTTP server error", index)
					s.errorCallback(err)
				}
			}(server, listener, i)
		}
		return nil
	}

	logging.Info("Server", "Starting MCP server with streamable-http transport on %s", addr)
	server := &http.Server{Addr: addr, Handler: mux}
	s.httpServers = append(s.httpServers, server)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Server", err, "HTTP server error")
			s.errorCallback(err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down: new sessions stop being accepted,
// transports drain within a short window, then state resets.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.isShuttingDown {
		s.mu.Unlock()
		return nil
	}
	if s.mcpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("server not started")
	}
	s.isShuttingDown = true
	cancel := s.cancel
	httpServers := s.httpServers
	s.mu.Unlock()

	logging.Info("Server", "Stopping MCP server")
	if cancel != nil {
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	for _, srv := range httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Server", err, "Error shutting down HTTP server")
		}
	}

	s.mu.Lock()
	s.mcpServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.httpServers = nil
	s.mu.Unlock()
	return nil
}

// Endpoint returns the primary endpoint URL for the configured transport.
func (s *Server) Endpoint() string {
	switch s.cfg.Transport {
	case config.MCPTransportStdio:
		return "stdio"
	default:
		return fmt.Sprintf("http://%s:%d/mcp", s.cfg.Host, s.cfg.Port)
	}
}

// afterInitialize captures the handshake result so streamable-http sessions
// can be restored after a proxy restart, and binds the session's filter and
// context from the originating request.
func (s *Server) afterInitialize(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
	clientSession := mcpserver.ClientSessionFromContext(ctx)
	if clientSession == nil {
		return
	}
	sessionID := clientSession.SessionID()
	if sessionID == "" || (s.stdioSession != nil && s.cfg.Transport == config.MCPTransportStdio) {
		return
	}

	if _, err := s.sessions.GetSession(sessionID); err != nil {
		cfg, sessionCtx := inboundFromContext(ctx)
		if _, _, err := s.sessions.CreateSession(cfg, sessionCtx, sessionID); err != nil {
			logging.Warn("Server", "Failed to create session %s: %v", logging.TruncateSessionID(sessionID), err)
			return
		}
	}

	if raw, err := json.Marshal(result); err == nil {
		s.sessions.SetInitializeResponse(sessionID, raw)
	}
}

// sessionFor resolves the session behind a request context. Stdio requests
// map to the process's single session; an HTTP session not yet stored gets
// an ephemeral view built from the request's filter and context, and any
// other request gets an unfiltered view.
func (s *Server) sessionFor(ctx context.Context) *Session {
	if clientSession := mcpserver.ClientSessionFromContext(ctx); clientSession != nil {
		if id := clientSession.SessionID(); id != "" {
			if session, err := s.sessions.GetSession(id); err == nil {
				s.sessions.Touch(id)
				return session
			}
			if s.stdioSession == nil {
				// HTTP session mid-initialize: derive the view from the
				// request itself.
				cfg, sessionCtx := inboundFromContext(ctx)
				if filter, err := tags.Parse(cfg.Filter); err == nil {
					return &Session{ID: id, Config: cfg, Filter: filter, Context: sessionCtx}
				}
			}
		}
	}
	if s.stdioSession != nil {
		return s.stdioSession
	}
	return &Session{Filter: tags.MatchAll{}}
}

// sessionToolFilter narrows tools/list to the requesting session's view and
// makes sure every visible tool has a handler registered.
func (s *Server) sessionToolFilter(ctx context.Context, _ []mcp.Tool) []mcp.Tool {
	session := s.sessionFor(ctx)
	s.ensureInstances(ctx, session)
	snap := s.agg.Compute(session.ID, session.Filter)
	s.rememberSnapshot(session.ID, snap)
	s.registerItems(snap)

	tools := make([]mcp.Tool, 0, len(snap.Tools))
	for _, item := range snap.Tools {
		tool := item.Value
		tool.Name = item.Name
		tools = append(tools, tool)
	}
	logging.Debug("Server", "tools/list: %d tools for session %s", len(tools), logging.TruncateSessionID(session.ID))
	return tools
}

// UpdateCapabilities recomputes the global registration set: every tool,
// prompt, and resource of every connected child gets a routing handler, and
// stale entries are removed. Visibility narrowing happens per request in
// the tool filter.
func (s *Server) UpdateCapabilities() {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	shuttingDown := s.isShuttingDown
	s.mu.RUnlock()
	if mcpSrv == nil || shuttingDown {
		return
	}

	snap := s.agg.Compute("", tags.MatchAll{})
	s.removeObsolete(mcpSrv, snap)
	s.registerItems(snap)
}

func (s *Server) removeObsolete(mcpSrv *mcpserver.MCPServer, snap *aggregator.Snapshot) {
	current := make(map[string]bool, len(snap.Tools))
	for _, item := range snap.Tools {
		current[item.Name] = true
	}
	currentPrompts := make(map[string]bool, len(snap.Prompts))
	for _, item := range snap.Prompts {
		currentPrompts[item.Name] = true
	}
	currentRes := make(map[string]bool, len(snap.Resources))
	for _, item := range snap.Resources {
		currentRes[item.Name] = true
	}

	s.regMu.Lock()
	var staleTools, stalePrompts, staleRes []string
	for name := range s.activeTools {
		if !current[name] {
			staleTools = append(staleTools, name)
			delete(s.activeTools, name)
		}
	}
	for name := range s.activePrompts {
		if !currentPrompts[name] {
			stalePrompts = append(stalePrompts, name)
			delete(s.activePrompts, name)
		}
	}
	for name := range s.activeRes {
		if !currentRes[name] {
			staleRes = append(staleRes, name)
			delete(s.activeRes, name)
		}
	}
	s.regMu.Unlock()

	if len(staleTools) > 0 {
		mcpSrv.DeleteTools(staleTools...)
	}
	if len(stalePrompts) > 0 {
		mcpSrv.DeletePrompts(stalePrompts...)
	}
	for _, uri := range staleRes {
		mcpSrv.RemoveResource(uri)
	}
}

// registerItems registers handlers for every snapshot item not yet active.
func (s *Server) registerItems(snap *aggregator.Snapshot) {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	s.mu.RUnlock()
	if mcpSrv == nil {
		return
	}

	var toolsToAdd []mcpserver.ServerTool
	var promptsToAdd []mcpserver.ServerPrompt
	var resourcesToAdd []mcpserver.ServerResource

	s.regMu.Lock()
	for _, item := range snap.Tools {
		if s.activeTools[item.Name] {
			continue
		}
		s.activeTools[item.Name] = true
		tool := item.Value
		tool.Name = item.Name
		toolsToAdd = append(toolsToAdd, mcpserver.ServerTool{
			Tool:    tool,
			Handler: s.toolHandler(item.Name),
		})
	}
	for _, item := range snap.Prompts {
		if s.activePrompts[item.Name] {
			continue
		}
		s.activePrompts[item.Name] = true
		prompt := item.Value
		prompt.Name = item.Name
		promptsToAdd = append(promptsToAdd, mcpserver.ServerPrompt{
			Prompt:  prompt,
			Handler: s.promptHandler(item.Name),
		})
	}
	for _, item := range snap.Resources {
		if s.activeRes[item.Name] {
			continue
		}
		s.activeRes[item.Name] = true
		resource := item.Value
		resource.URI = item.Name
		resourcesToAdd = append(resourcesToAdd, mcpserver.ServerResource{
			Resource: resource,
			Handler:  s.resourceHandler(item.Name),
		})
	}
	s.regMu.Unlock()

	if len(toolsToAdd) > 0 {
		mcpSrv.AddTools(toolsToAdd...)
	}
	if len(promptsToAdd) > 0 {
		mcpSrv.AddPrompts(promptsToAdd...)
	}
	if len(resourcesToAdd) > 0 {
		mcpSrv.AddResources(resourcesToAdd...)
	}
}

// splitNamespaced splits a namespaced public name into owner and original.
// Child names cannot contain the separator, so the first occurrence is the
// boundary.
func splitNamespaced(name string) (server, original string, ok bool) {
	server, original, ok = strings.Cut(name, aggregator.NamespaceSeparator)
	if !ok || server == "" || original == "" {
		return "", "", false
	}
	return server, original, true
}

func (s *Server) toolHandler(exposedName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, original, ok := splitNamespaced(exposedName)
		if !ok {
			return nil, fmt.Errorf("malformed tool name %s: %w", exposedName, upstream.ErrNotFound)
		}

		session := s.sessionFor(ctx)
		conn, err := s.resolver.Resolve(owner, session.ID)
		if err != nil {
			return nil, err
		}

		// Full schemas are loaded lazily, at call time, coalesced across
		// concurrent callers.
		if _, err := s.schemaCache.GetOrLoad(ctx, conn.Key(), original, func(loadCtx context.Context) (*mcp.Tool, error) {
			return conn.LoadToolSchema(loadCtx, original)
		}); err != nil {
			logging.Debug("Server", "Schema load for %s failed: %v", exposedName, err)
		}

		var args map[string]interface{}
		if req.Params.Arguments != nil {
			if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = m
			}
		}

		result, err := conn.CallTool(ctx, original, args)
		if err != nil {
			if errors.Is(err, upstream.ErrTimeout) {
				return mcp.NewToolResultError(fmt.Sprintf("call to %s timed out", exposedName)), nil
			}
			return nil, err
		}
		return result, nil
	}
}

func (s *Server) promptHandler(exposedName string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		owner, original, ok := splitNamespaced(exposedName)
		if !ok {
			return nil, fmt.Errorf("malformed prompt name %s: %w", exposedName, upstream.ErrNotFound)
		}

		session := s.sessionFor(ctx)
		conn, err := s.resolver.Resolve(owner, session.ID)
		if err != nil {
			return nil, err
		}

		args := make(map[string]interface{}, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		return conn.GetPrompt(ctx, original, args)
	}
}

func (s *Server) resourceHandler(exposedURI string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		owner, original, ok := splitNamespaced(exposedURI)
		if !ok {
			return nil, fmt.Errorf("malformed resource uri %s: %w", exposedURI, upstream.ErrNotFound)
		}

		session := s.sessionFor(ctx)
		conn, err := s.resolver.Resolve(owner, session.ID)
		if err != nil {
			return nil, err
		}

		result, err := conn.ReadResource(ctx, original)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (s *Server) rememberSnapshot(sessionID string, snap *aggregator.Snapshot) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snapshots[sessionID] = snap
}

func (s *Server) previousSnapshot(sessionID string) *aggregator.Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapshots[sessionID]
}

// sessionIDManager adapts the session manager to the streamable HTTP
// transport's session contract: IDs are minted here, restored sessions are
// accepted without a new handshake, and HTTP DELETE terminates.
type sessionIDManager struct {
	sessions *SessionManager
}

func (m *sessionIDManager) Generate() string {
	return GenerateID()
}

func (m *sessionIDManager) Validate(sessionID string) (bool, error) {
	if _, err := m.sessions.GetSession(sessionID); err != nil {
		return false, fmt.Errorf("unknown session: %w", err)
	}
	return false, nil
}

func (m *sessionIDManager) Terminate(sessionID string) (bool, error) {
	m.sessions.DeleteSession(sessionID)
	return false, nil
}

// inboundContextKey carries per-request inbound parameters extracted by the
// HTTP context function.
type inboundContextKey struct{}

type inboundRequestInfo struct {
	cfg        InboundConfig
	sessionCtx *template.ContextData
}

// requestContextFunc extracts the filter expression and template context
// from the HTTP request: ?tags= / ?filter= query parameters and the
// X-1MCP-Context JSON header.
func requestContextFunc(ctx context.Context, r *http.Request) context.Context {
	info := inboundRequestInfo{}

	q := r.URL.Query()
	if filter := q.Get("filter"); filter != "" {
		info.cfg.Filter = filter
	} else if tagList := q.Get("tags"); tagList != "" {
		info.cfg.Filter = tagList
	}

	if raw := r.Header.Get("X-1MCP-Context"); raw != "" {
		var data template.ContextData
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			info.sessionCtx = &data
		} else {
			logging.Warn("Server", "Ignoring malformed X-1MCP-Context header: %v", err)
		}
	}

	return context.WithValue(ctx, inboundContextKey{}, info)
}

func inboundFromContext(ctx context.Context) (InboundConfig, *template.ContextData) {
	if info, ok := ctx.Value(inboundContextKey{}).(inboundRequestInfo); ok {
		return info.cfg, info.sessionCtx
	}
	return InboundConfig{}, nil
}
