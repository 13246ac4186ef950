package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CrapTheKid/safe-proxy-site/internal/audit"
	"github.com/CrapTheKid/safe-proxy-site/internal/target"
)

// hopByHopHeaders are connection-scoped per RFC 7230 section 6.1 and must
// not be relayed between the client and upstream legs.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders strips hop-by-hop headers in place. Headers named in
// the Connection header are removed first, then the fixed RFC 7230 set.
func removeHopByHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// identityHeaders could reveal the upstream server software and are removed
// from relayed responses.
var identityHeaders = []string{"Server", "X-Powered-By"}

// forwardHTTP relays a plain HTTP exchange to the validated upstream target.
// Request and response bodies are streamed, not buffered.
func (p *Proxy) forwardHTTP(w http.ResponseWriter, r *http.Request, desc *target.Descriptor, clientIP, requestID string) {
	start := time.Now()
	via := "1.1 " + p.cfg.ServerName

	// Carry the client identity into the redirect hook.
	ctx := context.WithValue(r.Context(), ctxKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)

	outReq, err := http.NewRequestWithContext(ctx, r.Method, desc.HTTPURL().String(), r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "InvalidURL",
			Reason: "could not build upstream request: " + err.Error(),
		})
		return
	}

	outReq.Header = r.Header.Clone()
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del("Host") // authority comes from the validated target
	outReq.Header.Set("Via", via)
	appendForwardedFor(outReq.Header, clientIP)
	if r.ContentLength > 0 {
		outReq.ContentLength = r.ContentLength
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.handleUpstreamError(w, r, desc, clientIP, requestID, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	removeHopByHopHeaders(header)
	for _, name := range identityHeaders {
		header.Del(name)
	}
	header.Set("Via", via)

	var reader io.Reader = resp.Body
	if capMB := p.cfg.Upstream.MaxResponseMB; capMB > 0 {
		reader = io.LimitReader(resp.Body, int64(capMB)*1024*1024)
		// The cap may truncate the body, so the original length no
		// longer holds.
		header.Del("Content-Length")
	}

	w.WriteHeader(resp.StatusCode)

	written, copyErr := io.Copy(w, reader)
	duration := time.Since(start)
	if copyErr != nil {
		// Status and partial body are already on the wire; all we can
		// do is record the interruption.
		p.logger.LogStreamInterrupted(desc.String(), clientIP, requestID, written, copyErr)
		p.emitEvent(r.Context(), string(audit.EventStreamInterrupted), map[string]any{
			"target":    desc.String(),
			"written":   written,
			"client_ip": clientIP,
			"error":     copyErr.Error(),
		})
		return
	}

	p.logger.LogForwarded(r.Method, desc.String(), clientIP, requestID, resp.StatusCode, written, duration)
	p.metrics.RecordForwarded(desc.Hostname, duration)
	p.emitEvent(r.Context(), string(audit.EventForwarded), map[string]any{
		"method":    r.Method,
		"target":    desc.String(),
		"status":    resp.StatusCode,
		"bytes":     written,
		"client_ip": clientIP,
	})
}

// handleUpstreamError maps client.Do failures to responses. Redirect hops
// refused by the allowlist surface as 502 with the rejection reason, upstream
// timeouts as 504, everything else as plain 502.
func (p *Proxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, desc *target.Descriptor, clientIP, requestID string, err error) {
	if rej := target.AsRejection(err); rej != nil {
		p.logger.LogRejected(r.Method, desc.String(), rej.Reason.String(), clientIP, requestID)
		p.metrics.RecordRejected(rej.Reason.String())
		p.emitEvent(r.Context(), string(audit.EventRejected), map[string]any{
			"target":    desc.String(),
			"reason":    rej.Reason.String(),
			"redirect":  true,
			"client_ip": clientIP,
		})
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:  rej.Reason.String(),
			Reason: "upstream redirected outside the allowlist: " + rej.Reason.Detail(),
		})
		return
	}

	p.logger.LogUpstreamError(r.Method, desc.String(), clientIP, requestID, err)
	p.metrics.RecordUpstreamError()
	p.emitEvent(r.Context(), string(audit.EventUpstreamError), map[string]any{
		"target":    desc.String(),
		"client_ip": clientIP,
		"error":     err.Error(),
	})

	if isTimeout(err) {
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{
			Error:  "UpstreamTimeout",
			Reason: "the upstream server did not respond in time",
		})
		return
	}
	writeJSON(w, http.StatusBadGateway, errorResponse{
		Error:  "UpstreamUnreachable",
		Reason: "could not reach the upstream server",
	})
}

// isTimeout reports whether the error chain indicates a deadline rather than
// a connection failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// appendForwardedFor adds the client IP to X-Forwarded-For, preserving any
// chain already present.
func appendForwardedFor(h http.Header, clientIP string) {
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}
