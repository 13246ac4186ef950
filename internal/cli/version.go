package cli

import (
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Long: `Print the safeproxy version along with the build metadata
injected at link time. Plain "go build" binaries show defaults.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("safeproxy version %s\n", Version)
			cmd.Printf("  built:  %s\n", BuildDate)
			cmd.Printf("  commit: %s\n", GitCommit)
			cmd.Printf("  go:     %s\n", GoVersion)
		},
	}
}
