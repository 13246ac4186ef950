package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CrapTheKid/safe-proxy-site/internal/audit"
	"github.com/CrapTheKid/safe-proxy-site/internal/config"
	"github.com/CrapTheKid/safe-proxy-site/internal/metrics"
	"github.com/CrapTheKid/safe-proxy-site/internal/ratelimit"
	"github.com/CrapTheKid/safe-proxy-site/internal/target"
)

func newTestProxy(t *testing.T, mod func(*config.Config), opts ...Option) *Proxy {
	t.Helper()

	cfg := config.Defaults("example.com", "api.example.com")
	// The test backends live on 127.0.0.1.
	cfg.Internal = nil
	cfg.Upstream.TimeoutSeconds = 5
	if mod != nil {
		mod(cfg)
	}

	p, err := New(cfg, audit.NewNop(), metrics.New(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected JSON error body, got %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	p := newTestProxy(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	p.buildHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected valid JSON: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status=healthy, got %s", resp.Status)
	}
	if resp.AllowlistSize != 2 {
		t.Errorf("expected allowlist_size=2, got %d", resp.AllowlistSize)
	}
	if resp.RateLimitEnabled {
		t.Error("expected rate_limit_enabled=false without a limiter")
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	p := newTestProxy(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	p.buildHandler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if got := decodeError(t, w).Error; got != "Not found" {
		t.Errorf("expected error=Not found, got %q", got)
	}
}

func TestMetricsAndStatsRoutes(t *testing.T) {
	p := newTestProxy(t, nil)
	handler := p.buildHandler()

	for _, path := range []string{"/metrics", "/stats"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestProxyRejections(t *testing.T) {
	p := newTestProxy(t, nil)
	handler := p.buildHandler()

	tests := []struct {
		name       string
		query      string
		wantReason string
	}{
		{"missing target", "", "MissingTarget"},
		{"unparseable", "?url=" + "%3A%2F%2Fbad", "InvalidURL"},
		{"bad scheme", "?url=ftp%3A%2F%2Fexample.com%2Ffile", "UnsupportedScheme"},
		{"loopback literal", "?url=http%3A%2F%2F127.0.0.1%2Fadmin", "PrivateOrLiteralHost"},
		{"localhost", "?url=http%3A%2F%2Flocalhost%3A8080%2F", "PrivateOrLiteralHost"},
		{"off allowlist", "?url=https%3A%2F%2Fevil.net%2F", "DomainNotAllowlisted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy"+tt.query, nil))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			resp := decodeError(t, w)
			if resp.Error != tt.wantReason {
				t.Errorf("expected error=%s, got %s", tt.wantReason, resp.Error)
			}
			if resp.Reason == "" {
				t.Error("expected a human-readable reason")
			}
		})
	}
}

func TestProxyMethodNotAllowed(t *testing.T) {
	p := newTestProxy(t, nil)

	req := httptest.NewRequest("TRACE", "/proxy?url=https://example.com/", nil)
	w := httptest.NewRecorder()
	p.buildHandler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if got := decodeError(t, w).Error; got != "MethodNotAllowed" {
		t.Errorf("expected error=MethodNotAllowed, got %q", got)
	}
}

func TestDefaultUpstreamConfigured(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.DefaultUpstream = "https://example.com/base"
	})

	if p.defaultUpstream == nil {
		t.Fatal("expected default upstream descriptor")
	}
	if got := p.defaultUpstream.String(); got != "https://example.com/base" {
		t.Errorf("unexpected default upstream: %s", got)
	}

	w := httptest.NewRecorder()
	p.buildHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("health JSON: %v", err)
	}
	if resp.DefaultUpstream != "https://example.com/base" {
		t.Errorf("health default_upstream = %q", resp.DefaultUpstream)
	}
}

func TestProxyRateLimited(t *testing.T) {
	limiter := ratelimit.New(2, time.Minute)
	defer limiter.Close()

	p := newTestProxy(t, nil, WithRateLimiter(limiter))
	handler := p.buildHandler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/proxy?url=https%3A%2F%2Fevil.net%2F", nil)
		req.RemoteAddr = "198.51.100.7:4411"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusBadRequest || codes[1] != http.StatusBadRequest {
		t.Errorf("expected first two requests to reach validation, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected third request to be rate limited, got %d", codes[2])
	}
}

func TestCORSMiddleware(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.CORSOrigins = []string{"https://app.example.com"}
	})
	handler := p.buildHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://other.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header for unknown origin, got %q", got)
	}
}

func TestCORSWildcard(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.CORSOrigins = []string{"*"}
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anything.example.net")
	w := httptest.NewRecorder()
	p.buildHandler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.net" {
		t.Errorf("expected wildcard to echo origin, got %q", got)
	}
}

func TestSSRFSafeDialRefusesInternalIPs(t *testing.T) {
	// Default internal CIDRs active here, unlike the other tests.
	cfg := config.Defaults("example.com")
	p, err := New(cfg, audit.NewNop(), metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, addr := range []string{"10.1.2.3:80", "192.168.0.5:443", "127.0.0.1:8080", "169.254.169.254:80"} {
		if _, err := p.ssrfSafeDialContext(context.Background(), "tcp", addr); err == nil {
			t.Errorf("expected dial to %s to be refused", addr)
		} else if !strings.Contains(err.Error(), "internal") {
			t.Errorf("dial %s: expected internal IP error, got %v", addr, err)
		}
	}
}

func TestCheckRedirectValidatesHops(t *testing.T) {
	p := newTestProxy(t, nil)

	first := httptest.NewRequest(http.MethodGet, "https://example.com/a", nil)

	// Redirect inside the allowlist passes.
	hop := httptest.NewRequest(http.MethodGet, "https://api.example.com/b", nil)
	if err := p.checkRedirect(hop, []*http.Request{first}); err != nil {
		t.Errorf("allowlisted redirect refused: %v", err)
	}

	// Redirect outside the allowlist carries the structural rejection.
	hop = httptest.NewRequest(http.MethodGet, "https://evil.net/b", nil)
	err := p.checkRedirect(hop, []*http.Request{first})
	if err == nil {
		t.Fatal("expected off-allowlist redirect to be refused")
	}
	rej := target.AsRejection(err)
	if rej == nil || rej.Reason != target.ReasonDomainNotAllowlisted {
		t.Errorf("expected DomainNotAllowlisted rejection, got %v", err)
	}

	// Hop limit.
	via := make([]*http.Request, p.cfg.Upstream.MaxRedirects+1)
	for i := range via {
		via[i] = first
	}
	hop = httptest.NewRequest(http.MethodGet, "https://example.com/c", nil)
	if err := p.checkRedirect(hop, via); err == nil {
		t.Error("expected redirect chain over the hop limit to fail")
	}
}

func TestCheckRedirectDisabled(t *testing.T) {
	disabled := false
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.Upstream.FollowRedirects = &disabled
	})

	hop := httptest.NewRequest(http.MethodGet, "https://example.com/b", nil)
	if err := p.checkRedirect(hop, nil); err != http.ErrUseLastResponse {
		t.Errorf("expected ErrUseLastResponse, got %v", err)
	}
}

func TestNewRejectsBadInternalCIDR(t *testing.T) {
	cfg := config.Defaults("example.com")
	cfg.Internal = []string{"not-a-cidr"}
	if _, err := New(cfg, audit.NewNop(), metrics.New()); err == nil {
		t.Error("expected invalid CIDR to fail construction")
	}
}

func TestNewRejectsDefaultUpstreamOffAllowlist(t *testing.T) {
	cfg := config.Defaults("example.com")
	cfg.DefaultUpstream = "https://evil.net/"
	if _, err := New(cfg, audit.NewNop(), metrics.New()); err == nil {
		t.Error("expected off-allowlist default upstream to fail construction")
	}
}

func TestRequestMeta(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	req.RemoteAddr = "203.0.113.9:51234"

	ip, id := requestMeta(req)
	if ip != "203.0.113.9" {
		t.Errorf("expected port stripped, got %q", ip)
	}
	if id == "" {
		t.Error("expected a request ID")
	}

	_, id2 := requestMeta(req)
	if id == id2 {
		t.Error("expected unique request IDs")
	}
}
