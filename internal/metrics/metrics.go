// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayFramesTotal     *prometheus.CounterVec
	relaySessionsActive  prometheus.Gauge
	relayUpstreamErrors  prometheus.Counter
	resultPagesTotal     prometheus.Counter
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDurations *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call more than
// once.
func Init() {
	once.Do(func() {
		relayFramesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_forwarded_total",
				Help: "Total frames forwarded to downstream subscribers, labeled by event token.",
			},
			[]string{"event"},
		)

		relaySessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Number of sessions with an open upstream connection.",
			},
		)

		relayUpstreamErrors = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_upstream_errors_total",
				Help: "Total upstream connection and stream failures.",
			},
		)

		resultPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "result_pages_served_total",
				Help: "Total result pages served to callers.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurations = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Relay is the metrics hook handed to the event relay.
type Relay struct{}

// NewRelay returns relay metrics backed by the package collectors.
func NewRelay() Relay {
	Init()
	return Relay{}
}

// SessionOpened increments the active-session gauge.
func (Relay) SessionOpened() { relaySessionsActive.Inc() }

// SessionClosed decrements the active-session gauge.
func (Relay) SessionClosed() { relaySessionsActive.Dec() }

// FrameForwarded counts one forwarded frame.
func (Relay) FrameForwarded(event string) { relayFramesTotal.WithLabelValues(event).Inc() }

// UpstreamError counts one upstream failure.
func (Relay) UpstreamError() { relayUpstreamErrors.Inc() }

// PageServed counts one served result page.
func PageServed() {
	Init()
	resultPagesTotal.Inc()
}

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method, code, route string, seconds float64) {
	Init()
	httpRequestsTotal.WithLabelValues(method, code).Inc()
	httpRequestDurations.WithLabelValues(method, route).Observe(seconds)
}
