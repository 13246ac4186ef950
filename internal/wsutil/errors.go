package wsutil

import (
	"errors"
	"io"
	"net"
	"strings"
)

// IsExpectedCloseErr reports whether err is a normal consequence of tearing a
// relay down: one leg closing always surfaces as an error on the other. Used
// to pick the close status and to keep clean closes out of the error logs.
func IsExpectedCloseErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	// Peer resets arrive as raw syscall errors with no sentinel to match on.
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe")
}
