package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"onemcp/internal/app"
	"onemcp/internal/template"
	"onemcp/pkg/logging"

	"github.com/spf13/cobra"
)

var serveFlags struct {
	configPath  string
	configDir   string
	transport   string
	host        string
	port        int
	filter      string
	contextJSON string
	debug       bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aggregating proxy",
	Long: `Start the proxy: connect to every configured MCP server, expose the
aggregated capability set over the selected inbound transport, and keep the
view live as servers and configuration change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelInfo
		if serveFlags.debug {
			level = logging.LevelDebug
		}
		// Logs always go to stderr; stdout may carry the MCP stream.
		logging.Init(level, os.Stderr)

		var sessionCtx *template.ContextData
		if serveFlags.contextJSON != "" {
			sessionCtx = &template.ContextData{}
			if err := json.Unmarshal([]byte(serveFlags.contextJSON), sessionCtx); err != nil {
				return fmt.Errorf("invalid --context value: %w", err)
			}
		}

		application, err := app.New(app.Options{
			ConfigPath: serveFlags.configPath,
			ConfigDir:  serveFlags.configDir,
			Transport:  serveFlags.transport,
			Host:       serveFlags.host,
			Port:       serveFlags.port,
			Filter:     serveFlags.filter,
			Context:    sessionCtx,
			Version:    GetVersion(),
		})
		if err != nil {
			return err
		}

		if err := application.Run(cmd.Context()); err != nil {
			return &RuntimeError{Err: err}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.configPath, "config", "", "Path to the server list (mcp.json)")
	serveCmd.Flags().StringVar(&serveFlags.configDir, "config-dir", "", "Configuration directory containing mcp.json")
	serveCmd.Flags().StringVar(&serveFlags.transport, "transport", "", "Inbound transport: streamable-http or stdio")
	serveCmd.Flags().StringVar(&serveFlags.host, "host", "", "Host to bind the HTTP transport to")
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "Port for the HTTP transport")
	serveCmd.Flags().StringVar(&serveFlags.filter, "filter", "", "Tag filter for the stdio session (simple or advanced syntax)")
	serveCmd.Flags().StringVar(&serveFlags.contextJSON, "context", "", "Template context for the stdio session as JSON")
	serveCmd.Flags().BoolVar(&serveFlags.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
}
