package emit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Emitter broadcasts audit events to every configured sink. The sink set
// is fixed at construction. A nil *Emitter is a no-op, so callers on the
// request path never have to guard the emission-disabled case.
type Emitter struct {
	instanceID string
	sinks      []Sink

	closeOnce sync.Once
	closeErr  error
}

// NewEmitter builds an Emitter over the given sinks. An empty instanceID
// falls back to DefaultInstanceID.
func NewEmitter(instanceID string, sinks ...Sink) *Emitter {
	if instanceID == "" {
		instanceID = DefaultInstanceID()
	}
	return &Emitter{
		instanceID: instanceID,
		sinks:      append([]Sink(nil), sinks...),
	}
}

// Emit stamps an Event for eventType and hands it to every sink. Severity
// comes from the event type table; unknown types rank as info. A failing
// sink is reported on stderr and never blocks the others.
func (e *Emitter) Emit(ctx context.Context, eventType string, fields map[string]any) {
	if e == nil || len(e.sinks) == 0 {
		return
	}

	event := Event{
		Severity:   severityFor(eventType),
		Type:       eventType,
		Timestamp:  time.Now(),
		InstanceID: e.instanceID,
		Fields:     cloneFields(fields),
	}

	for _, s := range e.sinks {
		if err := s.Emit(ctx, event); err != nil {
			fmt.Fprintf(os.Stderr, "emit: %s sink: %v\n", eventType, err)
		}
	}
}

// cloneFields snapshots the caller's map so later mutation cannot race
// with sinks that deliver asynchronously.
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Close shuts down every sink exactly once, even when some fail. The
// first sink error is retained and returned on every call.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		for _, s := range e.sinks {
			if err := s.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}
