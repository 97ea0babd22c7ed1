package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/pidfile"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var proxyFlags struct {
	configDir string
	url       string
	debug     bool
}

// portScanRange is where a running proxy is looked for when no pid file
// exists.
const (
	portScanStart = 3050
	portScanEnd   = 3060
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "STDIO shim that forwards to a running HTTP proxy",
	Long: `Bridge stdin/stdout to a running HTTP proxy instance. The instance is
discovered through the server.pid file in the configuration directory, or by
scanning the default port range when no pid file exists. Useful for clients
that only speak stdio.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelInfo
		if proxyFlags.debug {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)

		url := proxyFlags.url
		if url == "" {
			var err error
			url, err = discoverProxy(proxyFlags.configDir)
			if err != nil {
				return err
			}
		}
		logging.Info("Proxy", "Forwarding stdio to %s", url)

		if err := runShim(cmd.Context(), url); err != nil {
			return &RuntimeError{Err: err}
		}
		return nil
	},
}

// discoverProxy finds a running HTTP proxy: pid file first, then a health
// scan of the default port range.
func discoverProxy(configDirFlag string) (string, error) {
	configDir := configDirFlag
	if configDir == "" {
		path, err := config.ResolveConfigPath("", "")
		if err != nil {
			return "", err
		}
		configDir = filepath.Dir(path)
	}

	if record, err := pidfile.Read(configDir); err == nil && record != nil {
		return record.URL, nil
	}

	client := &http.Client{Timeout: 500 * time.Millisecond}
	for port := portScanStart; port <= portScanEnd; port++ {
		base := fmt.Sprintf("http://127.0.0.1:%d", port)
		resp, err := client.Get(base + "/health")
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return base + "/mcp", nil
		}
	}

	return "", fmt.Errorf("no running proxy found (checked %s and ports %d-%d)",
		filepath.Join(configDir, pidfile.FileName), portScanStart, portScanEnd)
}

// runShim mirrors the remote proxy's capabilities onto a stdio MCP server
// and forwards every request.
func runShim(ctx context.Context, url string) error {
	remote := upstream.NewStreamableHTTPClient(url, nil)
	if _, err := remote.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to connect to proxy at %s: %w", url, err)
	}
	defer remote.Close()

	srv := mcpserver.NewMCPServer(
		"onemcp-proxy",
		GetVersion(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)

	tools, err := remote.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list proxy tools: %w", err)
	}
	var serverTools []mcpserver.ServerTool
	for _, tool := range tools {
		name := tool.Name
		serverTools = append(serverTools, mcpserver.ServerTool{
			Tool: tool,
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				var args map[string]interface{}
				if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
					args = m
				}
				return remote.CallTool(ctx, name, args)
			},
		})
	}
	srv.AddTools(serverTools...)

	if resources, err := remote.ListResources(ctx); err == nil {
		var serverResources []mcpserver.ServerResource
		for _, resource := range resources {
			uri := resource.URI
			serverResources = append(serverResources, mcpserver.ServerResource{
				Resource: resource,
				Handler: func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
					result, err := remote.ReadResource(ctx, uri)
					if err != nil {
						return nil, err
					}
					return result.Contents, nil
				},
			})
		}
		srv.AddResources(serverResources...)
	}

	if prompts, err := remote.ListPrompts(ctx); err == nil {
		var serverPrompts []mcpserver.ServerPrompt
		for _, prompt := range prompts {
			name := prompt.Name
			serverPrompts = append(serverPrompts, mcpserver.ServerPrompt{
				Prompt: prompt,
				Handler: func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
					args := make(map[string]interface{}, len(req.Params.Arguments))
					for k, v := range req.Params.Arguments {
						args[k] = v
					}
					return remote.GetPrompt(ctx, name, args)
				},
			})
		}
		srv.AddPrompts(serverPrompts...)
	}

	stdioServer := mcpserver.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func init() {
	proxyCmd.Flags().StringVar(&proxyFlags.configDir, "config-dir", "", "Configuration directory holding server.pid")
	proxyCmd.Flags().StringVar(&proxyFlags.url, "url", "", "Proxy URL, bypassing discovery")
	proxyCmd.Flags().BoolVar(&proxyFlags.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(proxyCmd)
}
