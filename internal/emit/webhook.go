package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 64
	defaultPostTimeout = 5 * time.Second
	drainTimeout       = 10 * time.Second
)

// ErrQueueFull is returned when the event queue is at capacity. The event is
// dropped rather than blocking the request path.
var ErrQueueFull = errors.New("emit: webhook queue full, event dropped")

var errSinkClosed = errors.New("emit: webhook sink closed")

// WebhookSink POSTs proxy events as JSON to an HTTP endpoint. Emit only
// enqueues; a single background goroutine owns delivery so slow or failing
// endpoints never stall the proxy.
type WebhookSink struct {
	url    string
	token  string // optional bearer token
	minSev Severity
	client *http.Client

	queue     chan Event
	done      chan struct{}
	closeWG   sync.WaitGroup
	closeOnce sync.Once
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithQueueSize sets the buffered channel capacity for pending events.
func WithQueueSize(n int) WebhookOption {
	return func(w *WebhookSink) {
		if n > 0 {
			w.queue = make(chan Event, n)
		}
	}
}

// WithWebhookTimeout sets the HTTP client timeout for each POST.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *WebhookSink) {
		if d > 0 {
			w.client.Timeout = d
		}
	}
}

// WithBearerToken sets the Authorization: Bearer header value.
func WithBearerToken(tok string) WebhookOption {
	return func(w *WebhookSink) {
		w.token = tok
	}
}

// WithMinSeverity sets the minimum severity an event needs to be delivered.
func WithMinSeverity(sev Severity) WebhookOption {
	return func(w *WebhookSink) {
		w.minSev = sev
	}
}

// NewWebhookSink creates a sink delivering to url. The delivery goroutine
// starts immediately and runs until Close.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: defaultPostTimeout},
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.closeWG.Add(1)
	go w.deliver()

	return w
}

// Emit enqueues an event for async delivery. Events below the minimum
// severity are dropped silently; a full queue returns ErrQueueFull.
func (w *WebhookSink) Emit(_ context.Context, event Event) error {
	if event.Severity < w.minSev {
		return nil
	}

	select {
	case <-w.done:
		return errSinkClosed
	default:
	}

	select {
	case w.queue <- event:
		return nil
	case <-w.done:
		return errSinkClosed
	default:
		return ErrQueueFull
	}
}

// Close stops the delivery goroutine after draining what it can within the
// drain timeout. Safe to call multiple times.
func (w *WebhookSink) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.closeWG.Wait()
	return nil
}

func (w *WebhookSink) deliver() {
	defer w.closeWG.Done()
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "emit: webhook goroutine panic: %v\n", r)
		}
	}()

	for {
		select {
		case event := <-w.queue:
			w.post(event)
		case <-w.done:
			// Drain whatever is already queued, bounded in time.
			deadline := time.After(drainTimeout)
			for {
				select {
				case event := <-w.queue:
					w.post(event)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

// post sends one event. Failures are reported on stderr only; there is no
// retry, the audit log remains the durable record.
func (w *WebhookSink) post(event Event) {
	body, err := json.Marshal(struct {
		Severity  string         `json:"severity"`
		Type      string         `json:"type"`
		Timestamp string         `json:"timestamp"`
		Instance  string         `json:"proxy_instance"`
		Fields    map[string]any `json:"fields"`
	}{
		Severity:  event.Severity.String(),
		Type:      event.Type,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Instance:  event.InstanceID,
		Fields:    event.Fields,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "emit: webhook marshal error: %v\n", err)
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "emit: webhook request error: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emit: webhook send error: %v\n", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "emit: webhook returned HTTP %d for event %s\n", resp.StatusCode, event.Type)
	}
}
