// Package metrics provides Prometheus instrumentation and a JSON stats
// endpoint for the proxy.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxTopEntries = 100

// Metrics collects Prometheus counters and histograms for the proxy.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	upstreamErrors prometheus.Counter
	rateLimited    prometheus.Counter
	requestLatency prometheus.Histogram

	tunnelsTotal   *prometheus.CounterVec
	tunnelDuration prometheus.Histogram
	tunnelBytes    prometheus.Counter
	activeTunnels  prometheus.Gauge

	mu              sync.Mutex
	startTime       time.Time
	topHosts        map[string]int64
	topRejectReason map[string]int64
	forwardedCount  int64
	rejectedCount   int64
	tunnelCount     int64
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeproxy",
		Name:      "requests_total",
		Help:      "Total number of proxy requests by result.",
	}, []string{"result"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeproxy",
		Name:      "rejections_total",
		Help:      "Total rejected targets by validation reason.",
	}, []string{"reason"})

	upstreamErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safeproxy",
		Name:      "upstream_errors_total",
		Help:      "Total upstream connection or exchange failures.",
	})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safeproxy",
		Name:      "rate_limited_total",
		Help:      "Total requests refused by the per-client rate limiter.",
	})

	requestLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safeproxy",
		Name:      "request_duration_seconds",
		Help:      "Forwarded request latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	tunnelsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safeproxy",
		Name:      "tunnels_total",
		Help:      "Total WebSocket tunnels by result.",
	}, []string{"result"})

	tunnelDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safeproxy",
		Name:      "tunnel_duration_seconds",
		Help:      "WebSocket tunnel duration in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 900, 3600},
	})

	tunnelBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safeproxy",
		Name:      "tunnel_bytes_total",
		Help:      "Total bytes relayed through WebSocket tunnels.",
	})

	activeTunnels := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safeproxy",
		Name:      "active_tunnels",
		Help:      "Current number of active WebSocket tunnels.",
	})

	reg.MustRegister(requestsTotal, rejections, upstreamErrors, rateLimited,
		requestLatency, tunnelsTotal, tunnelDuration, tunnelBytes, activeTunnels)

	return &Metrics{
		registry:        reg,
		requestsTotal:   requestsTotal,
		rejections:      rejections,
		upstreamErrors:  upstreamErrors,
		rateLimited:     rateLimited,
		requestLatency:  requestLatency,
		tunnelsTotal:    tunnelsTotal,
		tunnelDuration:  tunnelDuration,
		tunnelBytes:     tunnelBytes,
		activeTunnels:   activeTunnels,
		startTime:       time.Now(),
		topHosts:        make(map[string]int64),
		topRejectReason: make(map[string]int64),
	}
}

// RecordForwarded records a successfully relayed request.
func (m *Metrics) RecordForwarded(host string, duration time.Duration) {
	m.requestsTotal.WithLabelValues("forwarded").Inc()
	m.requestLatency.Observe(duration.Seconds())

	m.mu.Lock()
	m.forwardedCount++
	if len(m.topHosts) < maxTopEntries {
		m.topHosts[host]++
	} else if _, exists := m.topHosts[host]; exists {
		m.topHosts[host]++
	}
	m.mu.Unlock()
}

// RecordRejected records a target refused by validation.
func (m *Metrics) RecordRejected(reason string) {
	m.requestsTotal.WithLabelValues("rejected").Inc()
	m.rejections.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.rejectedCount++
	if len(m.topRejectReason) < maxTopEntries {
		m.topRejectReason[reason]++
	} else if _, exists := m.topRejectReason[reason]; exists {
		m.topRejectReason[reason]++
	}
	m.mu.Unlock()
}

// RecordUpstreamError records a failed upstream exchange.
func (m *Metrics) RecordUpstreamError() {
	m.requestsTotal.WithLabelValues("upstream_error").Inc()
	m.upstreamErrors.Inc()
}

// RecordRateLimited records a request refused by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.requestsTotal.WithLabelValues("rate_limited").Inc()
	m.rateLimited.Inc()
}

// RecordTunnel records a completed WebSocket tunnel.
func (m *Metrics) RecordTunnel(duration time.Duration, totalBytes int64) {
	m.tunnelsTotal.WithLabelValues("completed").Inc()
	m.tunnelDuration.Observe(duration.Seconds())
	m.tunnelBytes.Add(float64(totalBytes))

	m.mu.Lock()
	m.tunnelCount++
	m.mu.Unlock()
}

// RecordTunnelRejected records a refused WebSocket tunnel attempt.
func (m *Metrics) RecordTunnelRejected() {
	m.tunnelsTotal.WithLabelValues("rejected").Inc()
}

// IncrActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncrActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecrActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecrActiveTunnels() {
	m.activeTunnels.Dec()
}

// PrometheusHandler returns an HTTP handler that serves /metrics in Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatsHandler returns an HTTP handler that serves a JSON stats summary.
func (m *Metrics) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		m.mu.Lock()
		total := m.forwardedCount + m.rejectedCount
		stats := statsResponse{
			UptimeSeconds: time.Since(m.startTime).Seconds(),
			Requests: requestStats{
				Total:     total,
				Forwarded: m.forwardedCount,
				Rejected:  m.rejectedCount,
			},
			Tunnels:          m.tunnelCount,
			TopHosts:         topN(m.topHosts),
			TopRejectReasons: topN(m.topRejectReason),
		}
		if total > 0 {
			stats.Requests.RejectRate = float64(m.rejectedCount) / float64(total)
		}
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}
}

type statsResponse struct {
	UptimeSeconds    float64       `json:"uptime_seconds"`
	Requests         requestStats  `json:"requests"`
	Tunnels          int64         `json:"tunnels"`
	TopHosts         []rankedEntry `json:"top_hosts"`
	TopRejectReasons []rankedEntry `json:"top_reject_reasons"`
}

type requestStats struct {
	Total      int64   `json:"total"`
	Forwarded  int64   `json:"forwarded"`
	Rejected   int64   `json:"rejected"`
	RejectRate float64 `json:"reject_rate"`
}

type rankedEntry struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func topN(m map[string]int64) []rankedEntry {
	entries := make([]rankedEntry, 0, len(m))
	for name, count := range m {
		entries = append(entries, rankedEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	return entries
}
