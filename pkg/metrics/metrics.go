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

	// NegotiationEventsTotal counts committed negotiation events by type.
	NegotiationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_events_total",
			Help: "Committed negotiation events",
		},
		[]string{"type"},
	)

	// RejectionsTotal counts actions refused by a room.
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_rejections_total",
			Help: "Actions rejected by a negotiation room",
		},
		[]string{"code"},
	)

	// SectionsAgreedTotal counts sections reaching agreement.
	SectionsAgreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sections_agreed_total",
			Help: "Sections that reached agreement",
		},
	)

	// MemoryWipesTotal counts AI memory wipes by reason.
	MemoryWipesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_memory_wipes_total",
			Help: "AI memory wipes",
		},
		[]string{"reason"},
	)

	// AIRequestsTotal counts AI advisory requests by role and outcome.
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "AI advisory requests",
		},
		[]string{"role", "status"},
	)

	// LLMRequestDuration tracks LLM response duration.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM response duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// RoomsActive tracks open negotiation rooms.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Number of open negotiation rooms",
		},
	)

	// StreamConnectionsActive tracks live subscriber connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active realtime connections",
		},
		[]string{"transport"},
	)

	// TransportFailuresTotal counts failed or dropped deliveries.
	TransportFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_failures_total",
			Help: "Failed or dropped realtime deliveries",
		},
		[]string{"transport"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMRequest records metrics for one LLM call.
func RecordLLMRequest(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementStreamConnections increments the active connection count.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
