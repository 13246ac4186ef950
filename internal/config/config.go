// Package config handles loading, validating, and defaulting the proxy
// configuration. Configuration is read once at startup and treated as
// immutable afterwards: the allowlist in particular is never mutated at
// runtime.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CrapTheKid/safe-proxy-site/internal/target"
)

// Output/format constants for configuration defaults.
const (
	DefaultListen    = "0.0.0.0:8080"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"
	OutputFile       = "file"
	OutputBoth       = "both"
)

// Config is the top-level proxy configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	Allowlist       []string      `yaml:"allowlist"`
	DefaultUpstream string        `yaml:"default_upstream"`
	ServerName      string        `yaml:"server_name"` // Via / identification header value
	CORSOrigins     []string      `yaml:"cors_origins"`
	MaxClients      int           `yaml:"max_clients"` // accepted-connection cap, 0 = unlimited
	RateLimit       RateLimit     `yaml:"rate_limit"`
	Upstream        Upstream      `yaml:"upstream"`
	WebSocket       WebSocket     `yaml:"websocket"`
	Logging         LoggingConfig `yaml:"logging"`
	Emit            EmitConfig    `yaml:"emit"`
	Internal        []string      `yaml:"internal"` // CIDRs rejected at dial time
}

// RateLimit configures the per-client-IP limit on /proxy.
type RateLimit struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"` // 0 disables rate limiting
}

// Enabled reports whether the limiter should be installed at all.
func (r RateLimit) Enabled() bool { return r.MaxRequests > 0 }

// Upstream configures the HTTP forwarding leg.
type Upstream struct {
	TimeoutSeconds     int   `yaml:"timeout_seconds"`      // full-exchange bound
	IdleTimeoutSeconds int   `yaml:"idle_timeout_seconds"` // response-header wait
	FollowRedirects    *bool `yaml:"follow_redirects"`     // nil = true
	MaxRedirects       int   `yaml:"max_redirects"`
	MaxResponseMB      int   `yaml:"max_response_mb"` // 0 = unlimited
}

// FollowRedirectsEnabled returns the redirect policy, defaulting to follow.
func (u Upstream) FollowRedirectsEnabled() bool {
	return u.FollowRedirects == nil || *u.FollowRedirects
}

// WebSocket configures upgrade tunnels.
type WebSocket struct {
	MaxConcurrent        int    `yaml:"max_concurrent"`
	MaxConnectionSeconds int    `yaml:"max_connection_seconds"`
	IdleTimeoutSeconds   int    `yaml:"idle_timeout_seconds"`
	OriginPolicy         string `yaml:"origin_policy"` // rewrite (default), forward, strip
}

// LoggingConfig configures audit logging.
type LoggingConfig struct {
	Format          string `yaml:"format"` // json, text
	Output          string `yaml:"output"` // stdout, file, both
	File            string `yaml:"file"`
	IncludeAllowed  bool   `yaml:"include_allowed"`
	IncludeRejected bool   `yaml:"include_rejected"`
}

// EmitConfig configures external event emission sinks.
type EmitConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"webhook_token"`
	MinSeverity  string `yaml:"min_severity"` // info, warn, critical
	StorePath    string `yaml:"store_path"`   // sqlite audit store, empty disables
	SentryDSN    string `yaml:"sentry_dsn"`
}

// Load reads, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from caller
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ServerName == "" {
		c.ServerName = "safe-proxy-site"
	}
	if c.RateLimit.Enabled() && c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleTimeoutSeconds <= 0 {
		c.Upstream.IdleTimeoutSeconds = 30
	}
	if c.Upstream.MaxRedirects <= 0 {
		c.Upstream.MaxRedirects = 5
	}
	if c.WebSocket.MaxConcurrent <= 0 {
		c.WebSocket.MaxConcurrent = 128
	}
	if c.WebSocket.MaxConnectionSeconds <= 0 {
		c.WebSocket.MaxConnectionSeconds = 3600
	}
	if c.WebSocket.IdleTimeoutSeconds <= 0 {
		c.WebSocket.IdleTimeoutSeconds = 300
	}
	if c.WebSocket.OriginPolicy == "" {
		c.WebSocket.OriginPolicy = "rewrite"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
	if c.Emit.MinSeverity == "" {
		c.Emit.MinSeverity = "warn"
	}
	if len(c.Internal) == 0 {
		c.Internal = []string{
			"0.0.0.0/8",      // "this" network — services listening on all interfaces
			"127.0.0.0/8",    // loopback
			"10.0.0.0/8",     // RFC 1918 private
			"172.16.0.0/12",  // RFC 1918 private
			"192.168.0.0/16", // RFC 1918 private
			"169.254.0.0/16", // link-local
			"100.64.0.0/10",  // CGN / shared address space
			"::1/128",        // IPv6 loopback
			"fc00::/7",       // IPv6 unique local
			"fe80::/10",      // IPv6 link-local
		}
	}
}

// Validate checks the config for errors. Must be called after ApplyDefaults.
// An empty allowlist is a fatal configuration error: starting without one
// would make the proxy an open relay, so the process must refuse to serve.
func (c *Config) Validate() error {
	allow := target.NewAllowlist(c.Allowlist)
	if allow.Len() == 0 {
		return fmt.Errorf("allowlist is empty: at least one permitted domain is required")
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	// The default upstream must pass the exact validation clients are held
	// to; a default that the validator would reject is a misconfiguration.
	if c.DefaultUpstream != "" {
		if _, err := target.Validate(c.DefaultUpstream, allow); err != nil {
			return fmt.Errorf("default_upstream %q: %w", c.DefaultUpstream, err)
		}
	}

	if c.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("rate_limit.max_requests must not be negative")
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max_clients must not be negative")
	}

	switch c.Logging.Format {
	case DefaultLogFormat, "text":
	default:
		return fmt.Errorf("invalid logging format %q: must be json or text", c.Logging.Format)
	}

	switch c.Logging.Output {
	case DefaultLogOutput, OutputFile, OutputBoth:
	default:
		return fmt.Errorf("invalid logging output %q: must be stdout, file, or both", c.Logging.Output)
	}

	if (c.Logging.Output == OutputFile || c.Logging.Output == OutputBoth) && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is %q", c.Logging.Output)
	}

	switch c.WebSocket.OriginPolicy {
	case "rewrite", "forward", "strip":
	default:
		return fmt.Errorf("invalid websocket.origin_policy %q: must be rewrite, forward, or strip", c.WebSocket.OriginPolicy)
	}

	switch c.Emit.MinSeverity {
	case "info", "warn", "critical":
	default:
		return fmt.Errorf("invalid emit.min_severity %q: must be info, warn, or critical", c.Emit.MinSeverity)
	}

	for _, cidr := range c.Internal {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid internal CIDR %q: %w", cidr, err)
		}
	}

	return nil
}

// BuildAllowlist constructs the immutable allowlist from the configured
// entries. Call once at startup and share the result read-only.
func (c *Config) BuildAllowlist() *target.Allowlist {
	return target.NewAllowlist(c.Allowlist)
}

// DefaultDescriptor validates the configured default upstream against the
// allowlist and returns its descriptor, or nil when no default is set.
// Validate has already checked it, so an error here is a programming error.
func (c *Config) DefaultDescriptor(allow *target.Allowlist) (*target.Descriptor, error) {
	if c.DefaultUpstream == "" {
		return nil, nil
	}
	d, err := target.Validate(c.DefaultUpstream, allow)
	if err != nil {
		return nil, fmt.Errorf("default_upstream %q: %w", c.DefaultUpstream, err)
	}
	return d, nil
}

// Defaults returns a Config with built-in defaults and the given allowlist.
// Used by tests and by `safeproxy check` when no file is supplied.
func Defaults(allowlist ...string) *Config {
	cfg := &Config{
		Allowlist: allowlist,
		Logging: LoggingConfig{
			IncludeAllowed:  true,
			IncludeRejected: true,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
