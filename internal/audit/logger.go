// Package audit provides structured JSON audit logging for proxy decisions.
package audit

import (
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// sanitizeString makes attacker-controlled text safe to log. Crafted URLs
// can carry ANSI escape sequences that would otherwise reach the terminal
// of anyone tailing the audit stream.
func sanitizeString(s string) string {
	if logSafe(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			// Escape sequences terminate on the first alphabetic rune.
			if ('A' <= r && r <= 'Z') || ('a' <= r && r <= 'z') {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		case r == '\t' || r == '\n':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// logSafe reports whether s can be logged verbatim, keeping the common
// case allocation-free.
func logSafe(s string) bool {
	for _, r := range s {
		if r != '\t' && r != '\n' && unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// EventType describes the kind of audit event.
type EventType string

// Event type constants for structured audit log entries.
const (
	EventForwarded         EventType = "forwarded"
	EventRejected          EventType = "rejected"
	EventUpstreamError     EventType = "upstream_error"
	EventStreamInterrupted EventType = "stream_interrupted"
	EventRedirect          EventType = "redirect"
	EventTunnelOpen        EventType = "tunnel_open"
	EventTunnelClose       EventType = "tunnel_close"
	EventRateLimited       EventType = "rate_limited"
	EventStartup           EventType = "startup"
	EventShutdown          EventType = "shutdown"
)

// Logger handles structured audit logging using zerolog.
type Logger struct {
	zl              zerolog.Logger
	includeAllowed  bool
	includeRejected bool
	fileHandle      *os.File // non-nil if logging to file
}

// New creates a new audit logger. The caller should call Close when done.
func New(format, output, filePath string, includeAllowed, includeRejected bool) (*Logger, error) {
	stdout := io.Writer(os.Stdout)
	if format == "text" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var w io.Writer
	var fileHandle *os.File
	switch output {
	case "file", "both":
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path validated by config layer
		if err != nil {
			return nil, err
		}
		fileHandle = f
		w = f
		if output == "both" {
			w = zerolog.MultiLevelWriter(stdout, f)
		}
	default:
		w = stdout
	}

	zl := zerolog.New(w).With().
		Timestamp().
		Str("component", "safeproxy").
		Logger()

	return &Logger{
		zl:              zl,
		includeAllowed:  includeAllowed,
		includeRejected: includeRejected,
		fileHandle:      fileHandle,
	}, nil
}

// NewNop returns a no-op logger that discards all events.
func NewNop() *Logger {
	return &Logger{
		zl: zerolog.Nop(),
	}
}

// LogForwarded logs a successfully relayed request.
func (l *Logger) LogForwarded(method, url, clientIP, requestID string, statusCode int, sizeBytes int64, duration time.Duration) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventForwarded)).
		Str("method", method).
		Str("url", sanitizeString(url)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Int("status_code", statusCode).
		Int64("size_bytes", sizeBytes).
		Dur("duration_ms", duration).
		Msg("request forwarded")
}

// LogRejected logs a request refused by target validation.
func (l *Logger) LogRejected(method, rawTarget, reason, clientIP, requestID string) {
	if !l.includeRejected {
		return
	}
	l.zl.Warn().
		Str("event", string(EventRejected)).
		Str("method", method).
		Str("target", sanitizeString(rawTarget)).
		Str("reason", reason).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Msg("target rejected")
}

// LogUpstreamError logs a failure to reach or complete an upstream exchange.
func (l *Logger) LogUpstreamError(method, url, clientIP, requestID string, err error) {
	l.zl.Error().
		Str("event", string(EventUpstreamError)).
		Str("method", method).
		Str("url", sanitizeString(url)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Err(err).
		Msg("upstream error")
}

// LogStreamInterrupted logs an upstream failure after response headers were
// already sent. Distinct from LogUpstreamError because the client saw a
// truncated body rather than an error status.
func (l *Logger) LogStreamInterrupted(url, clientIP, requestID string, written int64, err error) {
	l.zl.Error().
		Str("event", string(EventStreamInterrupted)).
		Str("url", sanitizeString(url)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Int64("bytes_written", written).
		Err(err).
		Msg("response stream interrupted")
}

// LogRedirect logs a redirect hop in the chain.
func (l *Logger) LogRedirect(originalURL, redirectURL, clientIP, requestID string, hop int) {
	l.zl.Info().
		Str("event", string(EventRedirect)).
		Str("original_url", sanitizeString(originalURL)).
		Str("redirect_url", sanitizeString(redirectURL)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Int("hop", hop).
		Msg("redirect followed")
}

// LogTunnelOpen logs a WebSocket tunnel establishment.
func (l *Logger) LogTunnelOpen(target, clientIP, requestID string) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventTunnelOpen)).
		Str("target", sanitizeString(target)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Msg("tunnel opened")
}

// LogTunnelClose logs a WebSocket tunnel teardown with traffic stats.
func (l *Logger) LogTunnelClose(target, clientIP, requestID string, clientToServer, serverToClient int64, duration time.Duration) {
	if !l.includeAllowed {
		return
	}
	l.zl.Info().
		Str("event", string(EventTunnelClose)).
		Str("target", sanitizeString(target)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Int64("client_to_server_bytes", clientToServer).
		Int64("server_to_client_bytes", serverToClient).
		Dur("duration_ms", duration).
		Msg("tunnel closed")
}

// LogRateLimited logs a request refused by the per-client rate limiter.
func (l *Logger) LogRateLimited(clientIP, requestID string) {
	l.zl.Warn().
		Str("event", string(EventRateLimited)).
		Str("client_ip", clientIP).
		Str("request_id", requestID).
		Msg("rate limit exceeded")
}

// LogStartup logs that the proxy has started.
func (l *Logger) LogStartup(listenAddr string, allowlistSize int) {
	l.zl.Info().
		Str("event", string(EventStartup)).
		Str("listen", listenAddr).
		Int("allowlist_size", allowlistSize).
		Msg("safeproxy started")
}

// LogShutdown logs that the proxy is shutting down.
func (l *Logger) LogShutdown(reason string) {
	l.zl.Info().
		Str("event", string(EventShutdown)).
		Str("reason", reason).
		Msg("safeproxy stopping")
}

// With returns a sub-logger that includes the given key-value pair in every
// log entry. The sub-logger shares the parent's file handle and config but
// does NOT own the file: only the root logger should be Close()'d.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		zl:              l.zl.With().Str(key, value).Logger(),
		includeAllowed:  l.includeAllowed,
		includeRejected: l.includeRejected,
	}
}

// Close cleans up the logger, flushing and closing any open file handles.
// Close is idempotent and safe to call multiple times.
func (l *Logger) Close() {
	if l.fileHandle != nil {
		_ = l.fileHandle.Sync()
		_ = l.fileHandle.Close()
		l.fileHandle = nil
	}
}
