package upstream

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2"
)

// protocolVersion is the MCP protocol revision the proxy negotiates with
// children.
const protocolVersion = "2024-11-05"

// clientName identifies the proxy in southbound handshakes.
const clientName = "1mcp"

// MCPClient is the transport-level interface every child client implements.
// All three transports (stdio, SSE, streamable HTTP) satisfy it, enabling
// polymorphic supervision and mock-based testing.
type MCPClient interface {
	// Initialize establishes the connection and performs the protocol handshake.
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	// Close cleanly shuts down the client connection.
	Close() error
	// ListTools returns all available tools from the server.
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes a specific tool and returns the result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// ListResources returns all available resources from the server.
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	// ReadResource retrieves a specific resource.
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	// ListPrompts returns all available prompts from the server.
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt retrieves a specific prompt.
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	// Ping checks if the server is responsive.
	Ping(ctx context.Context) error
}

// Compile-time interface compliance checks.
var (
	_ MCPClient = (*StdioClient)(nil)
	_ MCPClient = (*SSEClient)(nil)
	_ MCPClient = (*StreamableHTTPClient)(nil)
)

// NewClient builds the transport client matching a child config. The config
// must already be validated and, for templated children, fully expanded.
func NewClient(cfg *config.ChildConfig) (MCPClient, error) {
	switch cfg.EffectiveType() {
	case config.ServerTypeStdio:
		return NewStdioClient(cfg), nil
	case config.ServerTypeSSE:
		return NewSSEClient(cfg.URL, buildHeaders(cfg)), nil
	case config.ServerTypeHTTP:
		return NewStreamableHTTPClient(cfg.URL, buildHeaders(cfg)), nil
	default:
		return nil, fmt.Errorf("server %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// buildHeaders merges configured headers with the OAuth bearer header when
// the child carries an issued access token.
func buildHeaders(cfg *config.ChildConfig) map[string]string {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.OAuth != nil && cfg.OAuth.AccessToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.OAuth.AccessToken})
		if token, err := ts.Token(); err == nil {
			typ := token.Type()
			headers["Authorization"] = typ + " " + token.AccessToken
		}
	}
	return headers
}

// baseClient provides the MCP operations shared by all transports.
type baseClient struct {
	client    client.MCPClient
	mu        sync.RWMutex
	connected bool
}

// checkConnected verifies the client is usable. Caller must hold at least a
// read lock.
func (b *baseClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return ErrNotConnected
	}
	return nil
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.connected = false
	b.client = nil
	return err
}

func initializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapRequestError("list tools", err)
	}
	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, wrapRequestError("call tool", err)
	}
	return result, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, wrapRequestError("list resources", err)
	}
	return result.Resources, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, wrapRequestError("read resource", err)
	}
	return result, nil
}

func (b *baseClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, wrapRequestError("list prompts", err)
	}
	return result.Prompts, nil
}

func (b *baseClient) getPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if str, ok := v.(string); ok {
			stringArgs[k] = str
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := b.client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, wrapRequestError("get prompt", err)
	}
	return result, nil
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}
	if err := b.client.Ping(ctx); err != nil {
		return wrapRequestError("ping", err)
	}
	return nil
}

// wrapRequestError classifies a request failure into the error taxonomy.
func wrapRequestError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	case isAuthError(err):
		return fmt.Errorf("%s: %w: %v", op, ErrAuthRequired, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if err == context.DeadlineExceeded {
		return true
	}
	return strings.Contains(err.Error(), "deadline exceeded") ||
		strings.Contains(err.Error(), "timeout")
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "Unauthorized") ||
		strings.Contains(msg, "unauthorized")
}

// StdioClient talks to a child process over its standard I/O. The process
// is spawned by this client so the configured cwd, env, and env filter can
// be applied.
type StdioClient struct {
	baseClient
	cfg *config.ChildConfig

	cmd *exec.Cmd
}

// NewStdioClient creates a stdio-based MCP client from a child config.
func NewStdioClient(cfg *config.ChildConfig) *StdioClient {
	return &StdioClient{cfg: cfg.Clone()}
}

// childEnv computes the child's environment: the parent environment,
// optionally filtered, overlaid with the configured variables.
func childEnv(cfg *config.ChildConfig) []string {
	var env []string
	if cfg.InheritParentEnv {
		env = filterEnv(os.Environ(), cfg.EnvFilter)
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// filterEnv applies the env filter to KEY=VALUE pairs. Plain entries and
// glob patterns allow; entries prefixed with "!" deny and win over allows.
// An empty filter passes everything through.
func filterEnv(environ, filter []string) []string {
	if len(filter) == 0 {
		return environ
	}

	var allows, denies []string
	for _, f := range filter {
		if strings.HasPrefix(f, "!") {
			denies = append(denies, strings.TrimPrefix(f, "!"))
		} else {
			allows = append(allows, f)
		}
	}

	matches := func(patterns []string, key string) bool {
		for _, p := range patterns {
			if ok, err := path.Match(p, key); err == nil && ok {
				return true
			}
		}
		return false
	}

	var out []string
	for _, kv := range environ {
		key := kv
		if eq := strings.Index(kv, "="); eq >= 0 {
			key = kv[:eq]
		}
		if matches(denies, key) {
			continue
		}
		if len(allows) > 0 && !matches(allows, key) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Initialize spawns the process and performs the MCP handshake.
func (c *StdioClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, nil
	}

	logging.Debug("StdioClient", "Spawning %s %v (cwd=%s)", c.cfg.Command, c.cfg.Args, c.cfg.Cwd)

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = childEnv(c.cfg)
	cmd.Dir = c.cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to spawn %s: %v", ErrTransportFailed, c.cfg.Command, err)
	}

	// Stderr is a debug sink; it must never be parsed as protocol frames.
	go drainStderr(c.cfg.Name, stderr)

	mcpClient := client.NewClient(transport.NewIO(stdout, stdin, io.NopCloser(strings.NewReader(""))))
	if err := mcpClient.Start(ctx); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	initResult, err := handshake(ctx, mcpClient)
	if err != nil {
		mcpClient.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	c.cmd = cmd
	c.client = mcpClient
	c.connected = true

	go func() {
		// Reap the process when it exits on its own.
		cmd.Wait()
	}()

	return initResult, nil
}

func drainStderr(name string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logging.Debug("StdioClient", "[%s stderr] %s", name, strings.TrimRight(string(buf[:n]), "\n"))
		}
		if err != nil {
			return
		}
	}
}

// handshake performs initialize + notifications/initialized and validates
// the negotiated protocol version.
func handshake(ctx context.Context, mcpClient client.MCPClient) (*mcp.InitializeResult, error) {
	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, initializeRequest())
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if !protocolNegotiable(initResult.ProtocolVersion) {
		mcpClient.Close()
		return nil, fmt.Errorf("%w: child offered %s", ErrProtocolMismatch, initResult.ProtocolVersion)
	}

	return initResult, nil
}

// protocolNegotiable accepts any dated MCP revision the mcp-go library can
// speak; an empty version is a handshake the library already rejected.
func protocolNegotiable(version string) bool {
	return version != ""
}

// Close shuts down the connection and the child process.
func (c *StdioClient) Close() error {
	err := c.closeClient()

	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	return err
}

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

// SSEClient talks to a child over the legacy SSE transport: a GET-opened
// event stream for server-to-client messages paired with short POSTs.
type SSEClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewSSEClient creates an SSE-based MCP client.
func NewSSEClient(url string, headers map[string]string) *SSEClient {
	return &SSEClient{url: url, headers: headers}
}

// Initialize establishes the stream and performs the MCP handshake.
func (c *SSEClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, nil
	}

	logging.Debug("SSEClient", "Connecting to %s", c.url)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	initResult, err := handshake(ctx, mcpClient)
	if err != nil {
		mcpClient.Close()
		return nil, err
	}

	c.client = mcpClient
	c.connected = true
	logging.Debug("SSEClient", "Connected to %s (server %s %s)",
		c.url, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return initResult, nil
}

func (c *SSEClient) Close() error {
	return c.closeClient()
}

func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *SSEClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

// StreamableHTTPClient talks to a child over the streamable HTTP transport.
// The library echoes the Mcp-Session-Id response header on subsequent
// requests.
type StreamableHTTPClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewStreamableHTTPClient creates a streamable-HTTP-based MCP client.
func NewStreamableHTTPClient(url string, headers map[string]string) *StreamableHTTPClient {
	return &StreamableHTTPClient{url: url, headers: headers}
}

// Initialize establishes the connection and performs the MCP handshake.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, nil
	}

	logging.Debug("StreamableHTTPClient", "Connecting to %s", c.url)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	initResult, err := handshake(ctx, mcpClient)
	if err != nil {
		mcpClient.Close()
		return nil, err
	}

	c.client = mcpClient
	c.connected = true
	logging.Debug("StreamableHTTPClient", "Connected to %s (server %s %s)",
		c.url, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return initResult, nil
}

func (c *StreamableHTTPClient) Close() error {
	return c.closeClient()
}

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StreamableHTTPClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StreamableHTTPClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}
