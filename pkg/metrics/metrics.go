// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"strconv"

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

	// AgentInvocationDuration tracks reply generation latency, retries included.
	AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_invocation_duration_seconds",
			Help:    "Agent reply generation duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// AgentInvocationAttempts counts individual provider calls.
	AgentInvocationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_invocation_attempts_total",
			Help: "Provider calls made while generating agent replies",
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

	// BreakerState reports the circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_breaker_state",
			Help: "Circuit breaker state of the agent reply generator",
		},
		[]string{"breaker"},
	)

	// LeadsProcessedTotal counts inbound lead messages by outcome.
	LeadsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leads_processed_total",
			Help: "Inbound lead messages processed",
		},
		[]string{"tenant_id", "agent_type", "outcome"},
	)

	// EscalationsTotal counts handoffs between agent types.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Lead escalations between agent types",
		},
		[]string{"tenant_id", "from", "to", "forced"},
	)

	// EscalationTargetMissingTotal counts rules that fired toward an unconfigured agent type.
	EscalationTargetMissingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_target_missing_total",
			Help: "Escalation rules that matched but had no active target agent",
		},
		[]string{"tenant_id", "from", "to"},
	)

	// SessionWriteConflictsTotal counts lost compare-and-swap races on lead sessions.
	SessionWriteConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_write_conflicts_total",
			Help: "Lead session writes rejected by a concurrent update",
		},
		[]string{"tenant_id"},
	)

	// SessionsResolvedTotal counts sessions moved to a resolution status.
	SessionsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_resolved_total",
			Help: "Lead sessions resolved by operators or the inactivity sweeper",
		},
		[]string{"tenant_id", "status"},
	)

	// EventPublishFailuresTotal counts pipeline events that could not be published.
	EventPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Pipeline events dropped after commit",
		},
		[]string{"type"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventBusConnected is 1 while the NATS connection is up.
	EventBusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_bus_connected",
			Help: "Whether the NATS event bus connection is up (1) or not (0)",
		},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInvocation records one agent reply generation.
func RecordInvocation(provider, status string, duration float64) {
	AgentInvocationDuration.WithLabelValues(provider, status).Observe(duration)
}

// RecordTokens records LLM token usage.
func RecordTokens(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordEscalation records a handoff between agent types.
func RecordEscalation(tenantID, from, to string, forced bool) {
	EscalationsTotal.WithLabelValues(tenantID, from, to, strconv.FormatBool(forced)).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
