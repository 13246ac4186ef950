// Package wsutil has small helpers for WebSocket frame handling shared by
// the tunnel relay.
package wsutil

import (
	"bytes"
	"crypto/rand"
	"net"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

// MaxControlPayload is the RFC 6455 limit on a control frame payload. A close
// reason shares it with the 2-byte status code.
const MaxControlPayload = 125

// closePayload builds status code + reason, truncating the reason to fit the
// control frame limit without splitting a multi-byte codepoint (RFC 6455
// requires close reasons to be valid UTF-8).
func closePayload(code ws.StatusCode, reason string) []byte {
	reasonBytes := []byte(reason)
	if len(reasonBytes) > MaxControlPayload-2 {
		reasonBytes = reasonBytes[:MaxControlPayload-2]
		for len(reasonBytes) > 0 && !utf8.Valid(reasonBytes) {
			reasonBytes = reasonBytes[:len(reasonBytes)-1]
		}
	}
	payload := make([]byte, 2+len(reasonBytes))
	payload[0] = byte(code >> 8) //nolint:gosec // StatusCode is uint16, high byte extraction is safe
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reasonBytes)
	return payload
}

// writeFrame assembles header + payload in one buffer so the conn.Write is a
// single syscall. Both relay goroutines may send a close on the same conn
// concurrently; a single write prevents interleaved bytes.
func writeFrame(conn net.Conn, hdr ws.Header, payload []byte) {
	var buf bytes.Buffer
	_ = ws.WriteHeader(&buf, hdr)
	buf.Write(payload)

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(buf.Bytes())
}

// WriteCloseFrame sends an unmasked (server-to-client) close frame.
func WriteCloseFrame(conn net.Conn, code ws.StatusCode, reason string) {
	payload := closePayload(code, reason)
	writeFrame(conn, ws.Header{
		Fin:    true,
		OpCode: ws.OpClose,
		Length: int64(len(payload)),
	}, payload)
}

// WriteClientCloseFrame sends a masked close frame, for the leg where the
// proxy speaks as a client (RFC 6455 requires client frames to be masked).
func WriteClientCloseFrame(conn net.Conn, code ws.StatusCode, reason string) {
	payload := closePayload(code, reason)

	var mask [4]byte
	_, _ = rand.Read(mask[:])
	ws.Cipher(payload, mask, 0)

	writeFrame(conn, ws.Header{
		Fin:    true,
		OpCode: ws.OpClose,
		Masked: true,
		Mask:   mask,
		Length: int64(len(payload)),
	}, payload)
}
