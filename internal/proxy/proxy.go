// Package proxy implements the forward-facing HTTP server. It validates
// every requested target against the domain allowlist, relays plain HTTP
// exchanges, and tunnels WebSocket upgrades, while refusing to connect to
// private or literal-IP destinations.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/CrapTheKid/safe-proxy-site/internal/audit"
	"github.com/CrapTheKid/safe-proxy-site/internal/config"
	"github.com/CrapTheKid/safe-proxy-site/internal/emit"
	"github.com/CrapTheKid/safe-proxy-site/internal/metrics"
	"github.com/CrapTheKid/safe-proxy-site/internal/ratelimit"
	"github.com/CrapTheKid/safe-proxy-site/internal/target"
)

// contextKey is used for storing per-request values in context.
type contextKey int

const (
	ctxKeyClientIP contextKey = iota
	ctxKeyRequestID
)

// requestMeta extracts the client IP (port stripped) and a unique request ID
// from the incoming request. Used by all proxy handler paths.
func requestMeta(r *http.Request) (clientIP, requestID string) {
	clientIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	requestID = uuid.NewString()
	return
}

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// Proxy is the allowlist-enforcing relay server. Configuration and the
// allowlist are fixed at construction; nothing mutates them afterwards.
type Proxy struct {
	cfg             *config.Config
	allow           *target.Allowlist
	defaultUpstream *target.Descriptor
	logger          *audit.Logger
	metrics         *metrics.Metrics
	emitter         *emit.Emitter
	limiter         *ratelimit.Limiter
	internalNets    []*net.IPNet
	dialer          *net.Dialer
	client          *http.Client
	server          *http.Server
	tunnelSem       *tunnelSemaphore
	startTime       time.Time
}

// Option configures optional Proxy behavior.
type Option func(*Proxy)

// WithEmitter mirrors audit events to external sinks.
func WithEmitter(e *emit.Emitter) Option {
	return func(p *Proxy) { p.emitter = e }
}

// WithRateLimiter installs a per-client-IP limit on relay endpoints.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(p *Proxy) { p.limiter = l }
}

// errorResponse is the JSON body for refused or failed requests. Error holds
// the machine-readable rejection name, Reason the human-readable detail.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// New creates a Proxy from a validated config.
func New(cfg *config.Config, logger *audit.Logger, m *metrics.Metrics, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		cfg:       cfg,
		allow:     cfg.BuildAllowlist(),
		logger:    logger,
		metrics:   m,
		tunnelSem: newTunnelSemaphore(cfg.WebSocket.MaxConcurrent),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	if p.defaultUpstream, err = cfg.DefaultDescriptor(p.allow); err != nil {
		return nil, err
	}

	for _, cidr := range cfg.Internal {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid internal CIDR %q: %w", cidr, err)
		}
		p.internalNets = append(p.internalNets, ipNet)
	}

	p.dialer = &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           p.ssrfSafeDialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.IdleTimeoutSeconds) * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}

	p.client = &http.Client{
		Transport:     transport,
		Timeout:       time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		CheckRedirect: p.checkRedirect,
	}
	return p, nil
}

// checkRedirect re-validates every redirect hop against the allowlist. A hop
// to a host outside the allowlist, to a private address, or to an unsupported
// scheme aborts the chain with the structural rejection wrapped in the error.
func (p *Proxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if !p.cfg.Upstream.FollowRedirectsEnabled() {
		return http.ErrUseLastResponse
	}
	if len(via) > p.cfg.Upstream.MaxRedirects {
		return fmt.Errorf("too many redirects (max %d)", p.cfg.Upstream.MaxRedirects)
	}

	redirectURL := req.URL.String()
	if _, err := target.Validate(redirectURL, p.allow); err != nil {
		return fmt.Errorf("redirect to %s refused: %w", redirectURL, err)
	}

	clientIP, _ := req.Context().Value(ctxKeyClientIP).(string)
	requestID, _ := req.Context().Value(ctxKeyRequestID).(string)
	p.logger.LogRedirect(via[0].URL.String(), redirectURL, clientIP, requestID, len(via))
	return nil
}

// isInternalIP reports whether the IP falls in any configured internal CIDR.
func (p *Proxy) isInternalIP(ip net.IP) bool {
	for _, n := range p.internalNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates all IPs against internal
// CIDRs before connecting. Prevents DNS rebinding where a hostname passes
// allowlist validation but resolves to a private IP at connection time.
// Used by both the HTTP transport and the WebSocket upstream dialer.
func (p *Proxy) ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrfSafeDialContext: split addr %q: %w", addr, err)
	}

	// If the host is already an IP, check it and dial directly.
	if ip := net.ParseIP(host); ip != nil {
		// Normalize IPv4-mapped IPv6 (::ffff:x.x.x.x) to 4-byte form,
		// consistent with the DNS resolution path below.
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if p.isInternalIP(ip) {
			return nil, fmt.Errorf("refusing connection to internal IP %s", host)
		}
		return p.dialer.DialContext(ctx, network, addr)
	}

	// Resolve DNS and validate every IP before connecting.
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ssrfSafeDialContext: DNS lookup %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("DNS returned no addresses for %s", host)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("unparseable IP %q from DNS for %s", ipStr, host)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if p.isInternalIP(ip) {
			return nil, fmt.Errorf("%s resolves to internal IP %s", host, ipStr)
		}
	}

	// Connect to the first validated IP.
	return p.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

// emitEvent mirrors an audit event to the configured sinks, if any.
func (p *Proxy) emitEvent(ctx context.Context, eventType string, fields map[string]any) {
	p.emitter.Emit(ctx, eventType, fields)
}

// allowedMethods lists the HTTP methods the relay endpoint accepts.
var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// handleProxy is the relay entry point. It resolves the target (explicit
// ?url= or the configured default), validates it, and dispatches to either
// the HTTP forwarder or the WebSocket tunnel.
func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientIP, requestID := requestMeta(r)

	if !allowedMethods[r.Method] {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:  "MethodNotAllowed",
			Reason: fmt.Sprintf("method %s is not supported", r.Method),
		})
		return
	}

	if p.limiter != nil && !p.limiter.Allow(clientIP) {
		p.logger.LogRateLimited(clientIP, requestID)
		p.metrics.RecordRateLimited()
		p.emitEvent(r.Context(), string(audit.EventRateLimited), map[string]any{
			"client_ip": clientIP,
		})
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:  "RateLimited",
			Reason: "too many requests, slow down",
		})
		return
	}

	raw := r.URL.Query().Get("url")
	var desc *target.Descriptor
	if raw == "" && p.defaultUpstream != nil {
		desc = p.defaultUpstream
	} else {
		var err error
		desc, err = target.Validate(raw, p.allow)
		if err != nil {
			rej := target.AsRejection(err)
			if rej == nil {
				// Validate only returns Rejection errors; anything else is a bug.
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal"})
				return
			}
			p.logger.LogRejected(r.Method, raw, rej.Reason.String(), clientIP, requestID)
			p.metrics.RecordRejected(rej.Reason.String())
			p.emitEvent(r.Context(), string(audit.EventRejected), map[string]any{
				"target":    raw,
				"reason":    rej.Reason.String(),
				"client_ip": clientIP,
			})
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:  rej.Reason.String(),
				Reason: rej.Reason.Detail(),
			})
			return
		}
	}

	if isUpgradeRequest(r) {
		p.handleTunnel(w, r, desc, clientIP, requestID)
		return
	}
	p.forwardHTTP(w, r, desc, clientIP, requestID)
}

// corsMiddleware adds CORS headers for configured origins and answers
// preflight requests.
func (p *Proxy) corsMiddleware(next http.Handler) http.Handler {
	origins := make(map[string]bool, len(p.cfg.CORSOrigins))
	allowAll := false
	for _, o := range p.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && (allowAll || origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

// buildHandler assembles the route table. Split from Start so tests can
// exercise routing without a listener.
func (p *Proxy) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/proxy", p.handleProxy)
	mux.HandleFunc("/healthz", p.handleHealth)
	mux.Handle("/metrics", p.metrics.PrometheusHandler())
	mux.HandleFunc("/stats", p.metrics.StatsHandler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	})
	return p.corsMiddleware(mux)
}

// Start runs the HTTP server. It blocks until the context is cancelled or
// the server encounters a fatal error.
func (p *Proxy) Start(ctx context.Context) error {
	handler := p.buildHandler()

	// WebSocket tunnels outlive any per-connection write timeout, and
	// http.Server enforces WriteTimeout per connection rather than per
	// handler, so it stays unset. Tunnel lifetime is bounded instead by
	// websocket.max_connection_seconds and the idle timeout.
	p.server = &http.Server{
		Addr:    p.cfg.Listen,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 5 * time.Second, // Slowloris protection
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Listen, err)
	}
	if p.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, p.cfg.MaxClients)
	}

	// Graceful shutdown on context cancellation. The done channel ensures
	// this goroutine exits if Serve fails immediately.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.server.Shutdown(shutdownCtx); err != nil {
				p.logger.LogUpstreamError("SHUTDOWN", p.cfg.Listen, "", "", err)
			}
		case <-done:
		}
	}()

	p.logger.LogStartup(p.cfg.Listen, p.allow.Len())
	p.emitEvent(ctx, string(audit.EventStartup), map[string]any{
		"listen":         p.cfg.Listen,
		"allowlist_size": p.allow.Len(),
	})

	err = p.server.Serve(ln)
	close(done) // unblock shutdown goroutine if serve failed immediately
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// healthResponse is the JSON response returned by /healthz.
type healthResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	AllowlistSize    int     `json:"allowlist_size"`
	RateLimitEnabled bool    `json:"rate_limit_enabled"`
	DefaultUpstream  string  `json:"default_upstream,omitempty"`
}

// handleHealth reports liveness plus a few operational facts.
func (p *Proxy) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:           "healthy",
		Version:          Version,
		UptimeSeconds:    time.Since(p.startTime).Seconds(),
		AllowlistSize:    p.allow.Len(),
		RateLimitEnabled: p.limiter != nil,
	}
	if p.defaultUpstream != nil {
		resp.DefaultUpstream = p.defaultUpstream.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Best effort: header already sent, log to stderr
		fmt.Fprintf(os.Stderr, "safeproxy: writeJSON encode error: %v\n", err)
	}
}
