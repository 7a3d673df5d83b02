// Package observability provides Prometheus metrics collection for the
// traffic logger. Metrics are registered on the default registry and exposed
// through the server's /metrics endpoint when enabled.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"trafficlog/internal/trafficlog"
)

// PrometheusHooks implements trafficlog.Hooks with Prometheus counters.
type PrometheusHooks struct {
	events        *prometheus.CounterVec
	capturedBytes *prometheus.CounterVec
}

// NewPrometheusHooks creates and registers the traffic logging metrics.
// Must be called at most once per process (collectors are registered on the
// default registry).
func NewPrometheusHooks() *PrometheusHooks {
	return &PrometheusHooks{
		events: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficlog_events_total",
				Help: "Traffic log events emitted, by template.",
			},
			[]string{"template"},
		),
		capturedBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficlog_captured_bytes_total",
				Help: "Body bytes buffered for logging, by phase.",
			},
			[]string{"phase"},
		),
	}
}

// EventEmitted counts one emitted event.
func (h *PrometheusHooks) EventEmitted(template trafficlog.Template) {
	h.events.WithLabelValues(string(template)).Inc()
}

// BytesCaptured counts body bytes buffered for a phase.
func (h *PrometheusHooks) BytesCaptured(phase string, n int) {
	h.capturedBytes.WithLabelValues(phase).Add(float64(n))
}
