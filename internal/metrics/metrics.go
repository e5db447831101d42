// Package metrics holds the Prometheus collectors for the chat runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dealdesk"

var backendLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "assistant",
		Name:      "request_duration_seconds",
		Help:      "Latency of assistant backend calls",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15},
	},
	[]string{"op", "status"},
)

var messagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "user_messages_total",
		Help:      "User messages handled, by conversation mode at arrival",
	},
	[]string{"mode"},
)

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "mode_transitions_total",
		Help:      "Conversation mode transitions",
	},
	[]string{"from", "to"},
)

var bookingsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "booking",
		Name:      "outcomes_total",
		Help:      "Meeting booking attempts by outcome",
	},
	[]string{"outcome"}, // confirmed, failed
)

var leadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "leads_captured_total",
		Help:      "Lead associations by source",
	},
	[]string{"source"},
)

func init() {
	prometheus.MustRegister(backendLatency, messagesTotal, transitionsTotal, bookingsTotal, leadsTotal)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveBackend(op, status string, d time.Duration) {
	backendLatency.WithLabelValues(op, status).Observe(d.Seconds())
}

func UserMessage(mode string) { messagesTotal.WithLabelValues(mode).Inc() }

func Transition(from, to string) { transitionsTotal.WithLabelValues(from, to).Inc() }

func Booking(outcome string) { bookingsTotal.WithLabelValues(outcome).Inc() }

func Lead(source string) { leadsTotal.WithLabelValues(source).Inc() }
