package emit

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

// SentrySink forwards warn and critical events to Sentry as messages.
// Info events never reach Sentry regardless of the configured threshold;
// they are operational noise, not incidents.
type SentrySink struct {
	hub    *sentry.Hub
	minSev Severity
}

// NewSentrySink initializes a Sentry client for the given DSN and returns
// a sink reporting events at or above minSev (floored at warn).
func NewSentrySink(dsn string, minSev Severity) (*SentrySink, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: dsn,
	})
	if err != nil {
		return nil, fmt.Errorf("emit: sentry init: %w", err)
	}
	if minSev < SeverityWarn {
		minSev = SeverityWarn
	}
	return &SentrySink{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		minSev: minSev,
	}, nil
}

func sentryLevel(sev Severity) sentry.Level {
	if sev >= SeverityCritical {
		return sentry.LevelError
	}
	return sentry.LevelWarning
}

// Emit reports the event to Sentry. Delivery is async inside the SDK.
func (s *SentrySink) Emit(_ context.Context, event Event) error {
	if event.Severity < s.minSev {
		return nil
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(event.Severity))
		scope.SetTag("event_type", event.Type)
		scope.SetTag("instance", event.InstanceID)
		if len(event.Fields) > 0 {
			scope.SetContext("event", event.Fields)
		}
		s.hub.CaptureMessage(fmt.Sprintf("safeproxy %s", event.Type))
	})
	return nil
}

// Close flushes buffered Sentry events.
func (s *SentrySink) Close() error {
	s.hub.Flush(sentryFlushTimeout)
	return nil
}
