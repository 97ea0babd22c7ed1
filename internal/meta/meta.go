package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
)

// ServerName is the display name the internal tools catalog participates
// under in the aggregate view.
const ServerName = "1mcp"

// Client is the embedded internal-tools child. It implements the same
// transport interface as real children, so the aggregator treats it
// uniformly; it never fails, has no process, and answers in-memory.
type Client struct {
	manager *upstream.Manager
	version string
}

var _ upstream.MCPClient = (*Client)(nil)

// NewClient creates the internal tools client.
func NewClient(manager *upstream.Manager, version string) *Client {
	return &Client{manager: manager, version: version}
}

// Config returns the synthetic child config the catalog registers under.
func Config() *config.ChildConfig {
	return &config.ChildConfig{
		Name:    ServerName,
		Command: "builtin",
		Tags:    []string{"builtin"},
	}
}

// NewConnection wires the catalog into the connections table.
func NewConnection(manager *upstream.Manager, version string) *upstream.Connection {
	client := NewClient(manager, version)
	return upstream.NewConnectionWithFactory(ServerName, Config(), manager.EventSink(), func() (upstream.MCPClient, error) {
		return client, nil
	})
}

// Initialize reports the catalog's capabilities; there is no transport to
// establish.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo: mcp.Implementation{
			Name:    ServerName,
			Version: c.version,
		},
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: false},
		},
	}, nil
}

// Close is a no-op; nothing is held open.
func (c *Client) Close() error { return nil }

// ListTools returns the fixed internal catalog.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{
		{
			Name:        "status",
			Description: "Report the status and health of every configured server.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{},
			},
		},
		{
			Name:        "refresh",
			Description: "Force a capability refresh of one server, or all servers when no name is given.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"server": map[string]any{
						"type":        "string",
						"description": "Server name to refresh. Omit to refresh all.",
					},
				},
			},
		},
	}, nil
}

type serverStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
	LastError string `json:"lastError,omitempty"`
}

// CallTool executes one of the internal tools.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	switch name {
	case "status":
		return c.statusReport()
	case "refresh":
		return c.refresh(ctx, args)
	default:
		return nil, fmt.Errorf("tool %s: %w", name, upstream.ErrNotFound)
	}
}

func (c *Client) statusReport() (*mcp.CallToolResult, error) {
	var report []serverStatus
	for key, conn := range c.manager.All() {
		if key == ServerName {
			continue
		}
		tools, resources, prompts := conn.Capabilities()
		entry := serverStatus{
			Name:      conn.DisplayName(),
			Status:    string(conn.Status()),
			Tools:     len(tools),
			Resources: len(resources),
			Prompts:   len(prompts),
		}
		if err := conn.LastError(); err != nil {
			entry.LastError = err.Error()
		}
		report = append(report, entry)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (c *Client) refresh(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	target, _ := args["server"].(string)

	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	refreshed := 0
	for key, conn := range c.manager.All() {
		if key == ServerName {
			continue
		}
		if target != "" && conn.DisplayName() != target {
			continue
		}
		if !conn.IsConnected() {
			continue
		}
		if err := conn.RefreshCapabilities(refreshCtx); err == nil {
			refreshed++
		}
	}

	if target != "" && refreshed == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("server %s is not connected", target)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("refreshed %d server(s)", refreshed)), nil
}

// ListResources returns nothing; the catalog has no resources.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return nil, nil
}

// ReadResource always misses.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, fmt.Errorf("resource %s: %w", uri, upstream.ErrNotFound)
}

// ListPrompts returns nothing; the catalog has no prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return nil, nil
}

// GetPrompt always misses.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, fmt.Errorf("prompt %s: %w", name, upstream.ErrNotFound)
}

// Ping always succeeds.
func (c *Client) Ping(ctx context.Context) error { return nil }
