package proxy

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/CrapTheKid/safe-proxy-site/internal/audit"
	"github.com/CrapTheKid/safe-proxy-site/internal/target"
	"github.com/CrapTheKid/safe-proxy-site/internal/wsutil"
)

// tunnelSemaphore bounds the number of concurrent WebSocket tunnels.
type tunnelSemaphore struct {
	slots chan struct{}
}

func newTunnelSemaphore(n int) *tunnelSemaphore {
	if n <= 0 {
		n = 1
	}
	return &tunnelSemaphore{slots: make(chan struct{}, n)}
}

// TryAcquire claims a tunnel slot without blocking.
func (s *tunnelSemaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *tunnelSemaphore) Release() {
	<-s.slots
}

// isUpgradeRequest reports whether the request asks for a WebSocket upgrade.
func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// buildForwardHeaders selects the client handshake headers that travel to the
// upstream. Authorization, cookies, and the requested subprotocols pass
// through; Origin follows the configured policy. Everything else stays on
// the client leg.
func (p *Proxy) buildForwardHeaders(r *http.Request, desc *target.Descriptor) http.Header {
	fwd := http.Header{}
	for _, name := range []string{"Authorization", "Cookie", "Sec-WebSocket-Protocol"} {
		if values := r.Header.Values(name); len(values) > 0 {
			fwd[http.CanonicalHeaderKey(name)] = values
		}
	}

	switch p.cfg.WebSocket.OriginPolicy {
	case "forward":
		if origin := r.Header.Get("Origin"); origin != "" {
			fwd.Set("Origin", origin)
		}
	case "strip":
		// no Origin header on the upstream leg
	default: // rewrite
		scheme := "http"
		if desc.Scheme == "wss" || desc.Scheme == "https" {
			scheme = "https"
		}
		fwd.Set("Origin", scheme+"://"+desc.Host())
	}
	return fwd
}

// handleTunnel bridges a client WebSocket upgrade to the validated upstream.
// The upstream leg is dialed first so handshake failures can still be
// answered with a plain HTTP error; after the client upgrade succeeds the
// connection is hijacked and frames are relayed verbatim in both directions.
func (p *Proxy) handleTunnel(w http.ResponseWriter, r *http.Request, desc *target.Descriptor, clientIP, requestID string) {
	if !p.tunnelSem.TryAcquire() {
		p.metrics.RecordTunnelRejected()
		p.logger.LogRejected(r.Method, desc.String(), "TunnelLimitReached", clientIP, requestID)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:  "TunnelLimitReached",
			Reason: "too many concurrent WebSocket tunnels, try again later",
		})
		return
	}
	defer p.tunnelSem.Release()

	dialer := ws.Dialer{
		NetDial: p.ssrfSafeDialContext,
		Header:  ws.HandshakeHeaderHTTP(p.buildForwardHeaders(r, desc)),
		Timeout: 30 * time.Second,
	}

	upstreamConn, br, hs, err := dialer.Dial(r.Context(), desc.WSURL().String())
	if err != nil {
		p.handleUpstreamError(w, r, desc, clientIP, requestID, err)
		return
	}
	defer upstreamConn.Close()

	// The dialer may have read past the handshake; stash those bytes so
	// they reach the client after its own upgrade completes.
	var buffered []byte
	if br != nil {
		if n := br.Buffered(); n > 0 {
			peeked, _ := br.Peek(n)
			buffered = append(buffered, peeked...)
		}
		ws.PutReader(br)
	}

	upgrader := ws.HTTPUpgrader{Timeout: 10 * time.Second}
	if hs.Protocol != "" {
		upgrader.Header = http.Header{
			"Sec-WebSocket-Protocol": []string{hs.Protocol},
		}
	}
	clientConn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		// Upgrade already wrote its own HTTP error to the client.
		p.logger.LogUpstreamError(r.Method, desc.String(), clientIP, requestID, err)
		return
	}
	defer clientConn.Close()

	start := time.Now()
	p.metrics.IncrActiveTunnels()
	defer p.metrics.DecrActiveTunnels()
	p.logger.LogTunnelOpen(desc.String(), clientIP, requestID)
	p.emitEvent(r.Context(), string(audit.EventTunnelOpen), map[string]any{
		"target":    desc.String(),
		"client_ip": clientIP,
	})

	if len(buffered) > 0 {
		if _, err := clientConn.Write(buffered); err != nil {
			return
		}
	}

	idle := time.Duration(p.cfg.WebSocket.IdleTimeoutSeconds) * time.Second
	deadline := time.Now().Add(time.Duration(p.cfg.WebSocket.MaxConnectionSeconds) * time.Second)

	clientToServer, serverToClient, relayErr := bidirectionalCopy(clientConn, upstreamConn, idle, deadline)

	// Best effort close frames on both legs. The upstream leg is masked
	// because the proxy speaks as a client there.
	code := ws.StatusNormalClosure
	reason := ""
	if relayErr != nil && !wsutil.IsExpectedCloseErr(relayErr) {
		code = ws.StatusGoingAway
		reason = "tunnel closed"
	}
	wsutil.WriteCloseFrame(clientConn, code, reason)
	wsutil.WriteClientCloseFrame(upstreamConn, code, reason)

	duration := time.Since(start)
	p.metrics.RecordTunnel(duration, clientToServer+serverToClient)
	p.logger.LogTunnelClose(desc.String(), clientIP, requestID, clientToServer, serverToClient, duration)
	p.emitEvent(r.Context(), string(audit.EventTunnelClose), map[string]any{
		"target":           desc.String(),
		"client_ip":        clientIP,
		"client_to_server": clientToServer,
		"server_to_client": serverToClient,
		"duration_seconds": duration.Seconds(),
	})
}

// bidirectionalCopy relays bytes between the two legs until either side
// closes, the idle timeout fires, or the absolute deadline passes. The first
// direction to finish tears both connections down, which unblocks the other.
func bidirectionalCopy(client, upstream net.Conn, idle time.Duration, deadline time.Time) (clientToServer, serverToClient int64, err error) {
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	record := func(e error) {
		if e != nil {
			errOnce.Do(func() { firstErr = e })
		}
	}
	teardown := func() {
		_ = client.SetDeadline(time.Now())
		_ = upstream.SetDeadline(time.Now())
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, e := copyWithIdleTimeout(upstream, client, idle, deadline)
		clientToServer = n
		record(e)
		teardown()
	}()
	go func() {
		defer wg.Done()
		n, e := copyWithIdleTimeout(client, upstream, idle, deadline)
		serverToClient = n
		record(e)
		teardown()
	}()
	wg.Wait()

	// Clear the poison deadlines so the close frames can still go out.
	_ = client.SetDeadline(time.Time{})
	_ = upstream.SetDeadline(time.Time{})
	return clientToServer, serverToClient, firstErr
}

// copyWithIdleTimeout copies src to dst resetting the read deadline before
// every read. The per-read deadline never extends past the absolute deadline.
func copyWithIdleTimeout(dst, src net.Conn, idle time.Duration, deadline time.Time) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		readBy := time.Now().Add(idle)
		if readBy.After(deadline) {
			readBy = deadline
		}
		if err := src.SetReadDeadline(readBy); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if err := dst.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return written, err
			}
			w, writeErr := dst.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
