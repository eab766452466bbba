// Package metrics provides Prometheus instrumentation for the bridge
// service. It exposes gauges for live session counts, counters for lifecycle
// events and message throughput, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the current number of registered sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_sessions_active",
		Help: "Current number of registered chat-protocol sessions",
	})

	// SessionEvents counts lifecycle events by kind: "pairing_code",
	// "ready", "auth_failed", or "disconnected".
	SessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_session_events_total",
		Help: "Total number of session lifecycle events",
	}, []string{"kind"})

	// Messages counts outbound message attempts, labeled by result:
	// "sent", "failed", "not_ready", or "auth_failed".
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_total",
		Help: "Total number of outbound message attempts",
	}, []string{"result"})

	// SendLatency records transport send latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_send_latency_seconds",
		Help:    "Outbound message send latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// NotifyErrors counts failed lifecycle notification publishes.
	NotifyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_notify_errors_total",
		Help: "Total number of failed lifecycle notification publishes",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionEvents,
		Messages,
		SendLatency,
		NotifyErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
