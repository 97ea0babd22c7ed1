// Package mock provides an in-memory MCP client for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"onemcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
)

// Client is a configurable in-memory upstream.MCPClient.
type Client struct {
	mu        sync.Mutex
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt

	// InitErr fails Initialize when set.
	InitErr error
	// PingErr fails Ping when set.
	PingErr error

	// CallResults maps tool name to canned result.
	CallResults map[string]*mcp.CallToolResult

	InitCalls      atomic.Int64
	ListToolsCalls atomic.Int64
	CallToolCalls  atomic.Int64
	Closed         atomic.Bool
}

var _ upstream.MCPClient = (*Client)(nil)

// NewClient creates a mock exposing the given tools.
func NewClient(tools ...mcp.Tool) *Client {
	return &Client{Tools: tools, CallResults: make(map[string]*mcp.CallToolResult)}
}

// WithResources adds resources to the mock.
func (c *Client) WithResources(resources ...mcp.Resource) *Client {
	c.Resources = resources
	return c
}

// WithPrompts adds prompts to the mock.
func (c *Client) WithPrompts(prompts ...mcp.Prompt) *Client {
	c.Prompts = prompts
	return c
}

func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.InitCalls.Add(1)
	if c.InitErr != nil {
		return nil, c.InitErr
	}
	return &mcp.InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcp.Implementation{Name: "mock", Version: "0.0.0"},
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
			Resources: &struct {
				Subscribe   bool `json:"subscribe,omitempty"`
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
			Prompts: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
		},
	}, nil
}

func (c *Client) Close() error {
	c.Closed.Store(true)
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.ListToolsCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Tool(nil), c.Tools...), nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.CallToolCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if result, ok := c.CallResults[name]; ok {
		return result, nil
	}
	for _, tool := range c.Tools {
		if tool.Name == name {
			return mcp.NewToolResultText("ok: " + name), nil
		}
	}
	return nil, fmt.Errorf("tool %s: %w", name, upstream.ErrNotFound)
}

func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Resource(nil), c.Resources...), nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, resource := range c.Resources {
		if resource.URI == uri {
			return &mcp.ReadResourceResult{
				Contents: []mcp.ResourceContents{
					mcp.TextResourceContents{URI: uri, Text: "contents of " + uri},
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("resource %s: %w", uri, upstream.ErrNotFound)
}

func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Prompt(nil), c.Prompts...), nil
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, prompt := range c.Prompts {
		if prompt.Name == name {
			return &mcp.GetPromptResult{Description: prompt.Description}, nil
		}
	}
	return nil, fmt.Errorf("prompt %s: %w", name, upstream.ErrNotFound)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.PingErr
}

// SetTools replaces the tool list, simulating a capability change.
func (c *Client) SetTools(tools ...mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tools = tools
}
