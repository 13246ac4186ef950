package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CrapTheKid/safe-proxy-site/internal/config"
	"github.com/CrapTheKid/safe-proxy-site/internal/target"
)

// ErrURLRejected is returned when safeproxy check --url finds a URL the
// proxy would refuse, so scripts can branch on the exit code.
var ErrURLRejected = errors.New("url rejected")

func checkCmd() *cobra.Command {
	var configFile string
	var checkURL string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config or test a target URL",
		Long: `Validate a safeproxy config file and optionally test whether a URL would
be accepted by the configured allowlist.

Examples:
  safeproxy check --config safeproxy.yaml
  safeproxy check --config safeproxy.yaml --url https://example.com/page
  safeproxy check --config safeproxy.yaml --url ws://example.com/socket`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile == "" {
				return fmt.Errorf("--config is required")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Config validation FAILED: %v\n", err)
				return err
			}
			fmt.Println("Config validation: OK")
			fmt.Printf("  Listen:        %s\n", cfg.Listen)
			fmt.Printf("  Allowlist:     %d domains\n", len(cfg.Allowlist))
			if cfg.DefaultUpstream != "" {
				fmt.Printf("  Default:       %s\n", cfg.DefaultUpstream)
			}
			if cfg.RateLimit.Enabled() {
				fmt.Printf("  Rate limit:    %d requests / %ds\n", cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds)
			}
			fmt.Printf("  WS tunnels:    %d concurrent max\n", cfg.WebSocket.MaxConcurrent)
			fmt.Printf("  Origin policy: %s\n", cfg.WebSocket.OriginPolicy)

			if checkURL != "" {
				fmt.Printf("\nChecking URL: %s\n", checkURL)
				desc, err := target.Validate(checkURL, cfg.BuildAllowlist())
				if err != nil {
					rej := target.AsRejection(err)
					if rej == nil {
						return err
					}
					fmt.Println("  Result: REJECTED")
					fmt.Printf("  Reason: %s (%s)\n", rej.Reason, rej.Reason.Detail())
					return ErrURLRejected
				}
				fmt.Println("  Result: ALLOWED")
				fmt.Printf("  Target: %s\n", desc)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path to validate")
	cmd.Flags().StringVar(&checkURL, "url", "", "URL to test against the allowlist")

	return cmd
}
