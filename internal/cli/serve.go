package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CrapTheKid/safe-proxy-site/internal/audit"
	"github.com/CrapTheKid/safe-proxy-site/internal/config"
	"github.com/CrapTheKid/safe-proxy-site/internal/emit"
	"github.com/CrapTheKid/safe-proxy-site/internal/eventstore"
	"github.com/CrapTheKid/safe-proxy-site/internal/metrics"
	"github.com/CrapTheKid/safe-proxy-site/internal/proxy"
	"github.com/CrapTheKid/safe-proxy-site/internal/ratelimit"
)

func serveCmd() *cobra.Command {
	var configFile string
	var listen string
	var allow []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Long: `Start the proxy server and run until interrupted.

The allowlist comes from the config file or from repeated --allow flags;
at least one permitted domain is required.

Examples:
  safeproxy serve --config safeproxy.yaml
  safeproxy serve --allow example.com --listen 0.0.0.0:8080
  safeproxy serve --config safeproxy.yaml --listen 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg *config.Config
			var err error

			switch {
			case configFile != "":
				cfg, err = config.Load(configFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
			case len(allow) > 0:
				cfg = config.Defaults(allow...)
			default:
				return fmt.Errorf("either --config or --allow is required")
			}

			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			// Load validates file configs already, but the --allow path and
			// the listen override must be held to the same rules before any
			// listener is bound.
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, err := audit.New(
				cfg.Logging.Format,
				cfg.Logging.Output,
				cfg.Logging.File,
				cfg.Logging.IncludeAllowed,
				cfg.Logging.IncludeRejected,
			)
			if err != nil {
				return fmt.Errorf("creating audit logger: %w", err)
			}
			defer logger.Close()

			// Optional event sinks: local store, webhook, Sentry.
			minSev := emit.ParseSeverity(cfg.Emit.MinSeverity)
			var sinks []emit.Sink
			if cfg.Emit.StorePath != "" {
				store, err := eventstore.Open(cfg.Emit.StorePath)
				if err != nil {
					return fmt.Errorf("opening event store: %w", err)
				}
				defer store.Close()
				sinks = append(sinks, store)
			}
			if cfg.Emit.WebhookURL != "" {
				opts := []emit.WebhookOption{emit.WithMinSeverity(minSev)}
				if cfg.Emit.WebhookToken != "" {
					opts = append(opts, emit.WithBearerToken(cfg.Emit.WebhookToken))
				}
				sinks = append(sinks, emit.NewWebhookSink(cfg.Emit.WebhookURL, opts...))
			}
			if cfg.Emit.SentryDSN != "" {
				sentrySink, err := emit.NewSentrySink(cfg.Emit.SentryDSN, minSev)
				if err != nil {
					return fmt.Errorf("initializing sentry sink: %w", err)
				}
				sinks = append(sinks, sentrySink)
			}

			var emitter *emit.Emitter
			if len(sinks) > 0 {
				emitter = emit.NewEmitter(cfg.ServerName, sinks...)
				defer emitter.Close()
			}

			opts := []proxy.Option{proxy.WithEmitter(emitter)}
			if cfg.RateLimit.Enabled() {
				limiter := ratelimit.New(
					cfg.RateLimit.MaxRequests,
					time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
				)
				defer limiter.Close()
				opts = append(opts, proxy.WithRateLimiter(limiter))
			}

			proxy.Version = Version
			p, err := proxy.New(cfg, logger, metrics.New(), opts...)
			if err != nil {
				return fmt.Errorf("building proxy: %w", err)
			}

			ctx, cancel := signal.NotifyContext(
				context.Background(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			fmt.Fprintf(os.Stderr, "safeproxy v%s starting\n", Version)
			fmt.Fprintf(os.Stderr, "  Listen:    %s\n", cfg.Listen)
			fmt.Fprintf(os.Stderr, "  Allowlist: %d domains\n", len(cfg.Allowlist))
			fmt.Fprintf(os.Stderr, "  Proxy:     http://%s/proxy?url=<url>\n", cfg.Listen)
			fmt.Fprintf(os.Stderr, "  Health:    http://%s/healthz\n", cfg.Listen)
			fmt.Fprintf(os.Stderr, "  Stats:     http://%s/stats\n", cfg.Listen)

			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("proxy error: %w", err)
			}

			logger.LogShutdown("signal received")
			fmt.Fprintln(os.Stderr, "\nsafeproxy stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address override (host:port)")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "permitted domain (repeatable, used when no config file is given)")

	return cmd
}
