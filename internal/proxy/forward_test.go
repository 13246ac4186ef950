package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/CrapTheKid/safe-proxy-site/internal/config"
	"github.com/CrapTheKid/safe-proxy-site/internal/target"
)

// descriptorFor builds a Descriptor straight from a test backend URL,
// bypassing validation: httptest backends live on 127.0.0.1, which the
// validator refuses on principle. Validation itself is covered in the
// target package.
func descriptorFor(t *testing.T, rawURL string) *target.Descriptor {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse backend URL: %v", err)
	}
	return &target.Descriptor{
		Scheme:   u.Scheme,
		Hostname: u.Hostname(),
		Port:     u.Port(),
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
}

func TestForwardSuccess(t *testing.T) {
	var gotHeader http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.Header().Set("Server", "nginx/1.24")
		w.Header().Set("X-Powered-By", "PHP/8.2")
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Custom", "kept")
		fmt.Fprint(w, "hello from upstream")
	}))
	defer backend.Close()

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backend.URL+"/page?q=1")

	req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	req.Header.Set("Accept", "text/plain")
	w := httptest.NewRecorder()
	p.forwardHTTP(w, req, desc, "203.0.113.9", "req-1")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "hello from upstream" {
		t.Errorf("unexpected body: %q", body)
	}

	// Upstream-identifying headers are stripped, the rest pass through.
	if got := w.Header().Get("Server"); got != "" {
		t.Errorf("expected Server stripped, got %q", got)
	}
	if got := w.Header().Get("X-Powered-By"); got != "" {
		t.Errorf("expected X-Powered-By stripped, got %q", got)
	}
	if got := w.Header().Get("X-Custom"); got != "kept" {
		t.Errorf("expected X-Custom passed through, got %q", got)
	}
	if got := w.Header().Get("Via"); !strings.Contains(got, "safe-proxy-site") {
		t.Errorf("expected Via on response, got %q", got)
	}

	// The upstream saw the proxy identity and the client chain.
	if got := gotHeader.Get("Via"); !strings.Contains(got, "safe-proxy-site") {
		t.Errorf("expected Via on upstream request, got %q", got)
	}
	if got := gotHeader.Get("X-Forwarded-For"); got != "203.0.113.9" {
		t.Errorf("expected X-Forwarded-For=203.0.113.9, got %q", got)
	}
	if got := gotHeader.Get("Accept"); got != "text/plain" {
		t.Errorf("expected Accept passed through, got %q", got)
	}
}

func TestForwardSendsValidatedPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
	}))
	defer backend.Close()

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backend.URL+"/api/v2/items?page=3&sort=desc")

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	if gotPath != "/api/v2/items" {
		t.Errorf("expected path relayed, got %q", gotPath)
	}
	if gotQuery != "page=3&sort=desc" {
		t.Errorf("expected query relayed, got %q", gotQuery)
	}
}

func TestForwardKeepsPercentEncodedPath(t *testing.T) {
	var gotURI string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
	}))
	defer backend.Close()

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backend.URL+"/foo%2Fbar/a%20b")

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	// The client's encoding travels as-is, not escaped a second time.
	if gotURI != "/foo%2Fbar/a%20b" {
		t.Errorf("upstream saw %q, want /foo%%2Fbar/a%%20b", gotURI)
	}
}

func TestForwardPostBody(t *testing.T) {
	var gotBody []byte
	var gotMethod string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backend.URL+"/submit")

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	p.forwardHTTP(w, req, desc, "203.0.113.9", "req-1")

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("expected POST at upstream, got %s", gotMethod)
	}
	if string(gotBody) != `{"name":"x"}` {
		t.Errorf("unexpected upstream body: %q", gotBody)
	}
}

func TestForwardStripsHopByHop(t *testing.T) {
	var gotHeader http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
	}))
	defer backend.Close()

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backend.URL)

	req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "secret")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	w := httptest.NewRecorder()
	p.forwardHTTP(w, req, desc, "203.0.113.9", "req-1")

	for _, name := range []string{"Connection", "X-Drop-Me", "Keep-Alive", "Proxy-Authorization"} {
		if got := gotHeader.Get(name); got != "" {
			t.Errorf("expected %s stripped before upstream, got %q", name, got)
		}
	}
}

func TestForwardResponseCap(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2*1024*1024))
	}))
	defer backend.Close()

	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.Upstream.MaxResponseMB = 1
	})
	desc := descriptorFor(t, backend.URL)

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	if got := w.Body.Len(); got != 1024*1024 {
		t.Errorf("expected body capped at 1MB, got %d bytes", got)
	}
	if got := w.Header().Get("Content-Length"); got != "" {
		t.Errorf("expected Content-Length dropped when capping, got %q", got)
	}
}

func TestForwardUpstreamUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backendURL := backend.URL
	backend.Close() // port now refuses connections

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backendURL)

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if got := decodeError(t, w).Error; got != "UpstreamUnreachable" {
		t.Errorf("expected UpstreamUnreachable, got %q", got)
	}
}

func TestForwardUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer backend.Close()

	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.Upstream.TimeoutSeconds = 1
	})
	desc := descriptorFor(t, backend.URL)

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	if got := decodeError(t, w).Error; got != "UpstreamTimeout" {
		t.Errorf("expected UpstreamTimeout, got %q", got)
	}
}

func TestForwardRedirectRefused(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://evil.net/phish", http.StatusFound)
	}))
	defer backend.Close()

	p := newTestProxy(t, nil)
	desc := descriptorFor(t, backend.URL)

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Error != "DomainNotAllowlisted" {
		t.Errorf("expected DomainNotAllowlisted, got %q", resp.Error)
	}
	if !strings.Contains(resp.Reason, "redirect") {
		t.Errorf("expected redirect mentioned in reason, got %q", resp.Reason)
	}
}

func TestForwardRedirectsDisabled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://evil.net/elsewhere", http.StatusFound)
	}))
	defer backend.Close()

	disabled := false
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.Upstream.FollowRedirects = &disabled
	})
	desc := descriptorFor(t, backend.URL)

	w := httptest.NewRecorder()
	p.forwardHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy", nil), desc, "203.0.113.9", "req-1")

	// The 302 is relayed to the client untouched instead of being chased.
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302 passed through, got %d", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://evil.net/elsewhere" {
		t.Errorf("expected Location preserved, got %q", got)
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Extra")
	h.Set("X-Extra", "drop")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Content-Type", "text/html")

	removeHopByHopHeaders(h)

	for _, name := range []string{"Connection", "X-Extra", "Transfer-Encoding", "Upgrade"} {
		if got := h.Get(name); got != "" {
			t.Errorf("expected %s removed, got %q", name, got)
		}
	}
	if got := h.Get("Content-Type"); got != "text/html" {
		t.Errorf("expected Content-Type kept, got %q", got)
	}
}

func TestAppendForwardedFor(t *testing.T) {
	h := http.Header{}
	appendForwardedFor(h, "203.0.113.9")
	if got := h.Get("X-Forwarded-For"); got != "203.0.113.9" {
		t.Errorf("fresh chain: got %q", got)
	}

	h = http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.1")
	appendForwardedFor(h, "203.0.113.9")
	if got := h.Get("X-Forwarded-For"); got != "198.51.100.1, 203.0.113.9" {
		t.Errorf("appended chain: got %q", got)
	}
}

func TestIsTimeout(t *testing.T) {
	if !isTimeout(context.DeadlineExceeded) {
		t.Error("expected DeadlineExceeded to count as a timeout")
	}
	if isTimeout(errors.New("connection refused")) {
		t.Error("expected plain error not to count as a timeout")
	}
}
