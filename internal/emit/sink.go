package emit

import "context"

// Sink delivers proxy events to an external backend (webhook, Sentry, the
// local event store). Implementations must be safe for concurrent use and
// should filter by their own minimum severity.
type Sink interface {
	Emit(ctx context.Context, event Event) error

	// Close flushes pending events and releases resources.
	Close() error
}
