package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes follow the documented CLI contract.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeConfigError indicates a configuration or startup error.
	ExitCodeConfigError = 1
	// ExitCodeRuntimeError indicates an unrecoverable runtime error.
	ExitCodeRuntimeError = 2
)

// RuntimeError marks failures that happened after a successful startup.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return e.Err.Error() }
func (e *RuntimeError) Unwrap() error { return e.Err }

var rootCmd = &cobra.Command{
	Use:   "onemcp",
	Short: "Aggregate many MCP servers behind a single endpoint",
	Long: `onemcp multiplexes multiple MCP servers (stdio, SSE, or streamable
HTTP) behind one MCP endpoint. Clients see the union of all server
capabilities; calls are routed to the owning server, and the view stays
live as servers come and go or the configuration changes on disk.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI and translates command errors into exit codes. This
// is the only place that calls os.Exit.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "onemcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

func getExitCode(err error) int {
	var runtimeErr *RuntimeError
	if errors.As(err, &runtimeErr) {
		return ExitCodeRuntimeError
	}
	return ExitCodeConfigError
}
