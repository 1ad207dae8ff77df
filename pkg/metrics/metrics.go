// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks messages appended per sender role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"role"},
	)

	// ClaimsTotal tracks claim attempts by outcome (won, conflict).
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claims_total",
			Help: "Total claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	// EscalationsTotal tracks escalation signals by resulting risk level.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Total escalation signals",
		},
		[]string{"risk_level"},
	)

	// QueueDepth tracks the number of conversations waiting for a counsellor.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Conversations currently waiting for a counsellor",
		},
	)

	// SSEConnectionsActive tracks open SSE connections per room kind.
	SSEConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
		[]string{"room"},
	)

	// CompanionDuration tracks AI companion response latency.
	CompanionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_duration_seconds",
			Help:    "AI companion response duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// NotificationsTotal tracks out-of-band notifications published.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total notifications published",
		},
		[]string{"type"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordClaim records a claim attempt outcome.
func RecordClaim(outcome string) {
	ClaimsTotal.WithLabelValues(outcome).Inc()
}
