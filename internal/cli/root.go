// Package cli implements the safeproxy command-line interface using cobra.
package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safeproxy",
		Short: "Allowlist-enforcing forward proxy",
		Long: `Safeproxy relays HTTP requests and WebSocket connections to a fixed set
of permitted upstream domains. Every target is validated before any
connection is made: IP literals, localhost, and private networks are
always refused, and hostnames must match the configured allowlist.

Quick start:
  safeproxy serve --config safeproxy.yaml
  safeproxy serve --allow example.com --allow api.example.com
  safeproxy check --config safeproxy.yaml --url https://example.com/page`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		checkCmd(),
		logsCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	return cmd
}
