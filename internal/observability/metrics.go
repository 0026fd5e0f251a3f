package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	errors         *prometheus.CounterVec
	storeAttempts  *prometheus.CounterVec
	storeFallbacks *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	slaTransitions *prometheus.CounterVec
	intents        *prometheus.CounterVec
	assignments    *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticket_engine_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_http_errors_total",
			Help: "HTTP errors by domain error code.",
		}, []string{"path", "method", "code"}),
		storeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_store_attempts_total",
			Help: "Persistence attempts by operation kind and outcome.",
		}, []string{"kind", "outcome"}),
		storeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_store_fallbacks_total",
			Help: "Reads served from a fallback source.",
		}, []string{"source"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_sla_sweeps_total",
			Help: "SLA sweeps by result.",
		}, []string{"result"}),
		slaTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_sla_transitions_total",
			Help: "Tickets that entered a breach state.",
		}, []string{"state"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_notification_intents_total",
			Help: "Notification intents emitted by kind.",
		}, []string{"kind"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_engine_assignment_decisions_total",
			Help: "Assignment request decisions by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.requests, m.requestLatency, m.errors,
		m.storeAttempts, m.storeFallbacks,
		m.sweeps, m.slaTransitions, m.intents, m.assignments,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest counts a served request.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError counts a request that failed with a domain error code.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(path, method, code).Inc()
}

// RecordStoreAttempt counts one persistence attempt.
func (m *Metrics) RecordStoreAttempt(kind, outcome string) {
	if m == nil {
		return
	}
	m.storeAttempts.WithLabelValues(kind, outcome).Inc()
}

// RecordFallback counts a read served from cache or a default.
func (m *Metrics) RecordFallback(source string) {
	if m == nil {
		return
	}
	m.storeFallbacks.WithLabelValues(source).Inc()
}

// RecordSweep counts a finished sweep.
func (m *Metrics) RecordSweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

// RecordSLATransition counts a ticket escalating into state.
func (m *Metrics) RecordSLATransition(state string) {
	if m == nil {
		return
	}
	m.slaTransitions.WithLabelValues(state).Inc()
}

// RecordIntent counts an emitted notification intent.
func (m *Metrics) RecordIntent(kind string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(kind).Inc()
}

// RecordAssignment counts an assignment decision.
func (m *Metrics) RecordAssignment(outcome string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(outcome).Inc()
}
