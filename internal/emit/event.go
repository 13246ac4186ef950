package emit

import (
	"os"
	"strings"
	"time"
)

// Event is one audit occurrence in the shape sinks deliver externally.
type Event struct {
	Severity   Severity
	Type       string
	Timestamp  time.Time
	InstanceID string
	Fields     map[string]any
}

// Severity ranks events for threshold filtering in sinks.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity maps a config string to a Severity, case-insensitively.
// Anything unrecognized falls back to SeverityInfo so a typo in config
// widens emission rather than silencing it.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "warn":
		return SeverityWarn
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// DefaultInstanceID identifies this proxy in emitted events when no
// server name is configured.
func DefaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "safeproxy"
}

// eventSeverity fixes the severity per event type. Operators tune the
// emission threshold, not individual event rankings.
var eventSeverity = map[string]Severity{
	"rejected":           SeverityWarn,
	"upstream_error":     SeverityWarn,
	"stream_interrupted": SeverityWarn,
	"rate_limited":       SeverityWarn,

	"forwarded":    SeverityInfo,
	"tunnel_open":  SeverityInfo,
	"tunnel_close": SeverityInfo,
	"redirect":     SeverityInfo,
	"startup":      SeverityInfo,
	"shutdown":     SeverityInfo,
}

func severityFor(eventType string) Severity {
	if sev, ok := eventSeverity[eventType]; ok {
		return sev
	}
	return SeverityInfo
}
