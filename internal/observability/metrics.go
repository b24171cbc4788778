package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// It tracks:
//   - Live connections per scope type
//   - Handshake outcomes and rejection reasons
//   - Inbound events by type and outcome
//   - Broadcast fan-out size, per-target delivery results and latency
//   - Evictions (reconnect replacement, slow peers)
//   - Presence transitions
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ConnectionOpened("thread")
//	defer metrics.ConnectionClosed("thread")
type Metrics struct {
	// ActiveConnections is a gauge of registered connections.
	// Labels: scope_type (thread|user|place)
	ActiveConnections *prometheus.GaugeVec

	// Handshakes counts upgrade attempts.
	// Labels: scope_type, result (admitted|unauthenticated|forbidden|unavailable)
	Handshakes *prometheus.CounterVec

	// InboundEvents counts client events.
	// Labels: scope_type, event_type, outcome (ok|error|dropped)
	InboundEvents *prometheus.CounterVec

	// Deliveries counts per-target delivery attempts.
	// Labels: event_type, status (delivered|failed|timeout)
	Deliveries *prometheus.CounterVec

	// BroadcastDuration measures a complete fan-out in seconds.
	// Labels: scope_type
	BroadcastDuration *prometheus.HistogramVec

	// BroadcastTargets observes how many connections a broadcast addressed.
	BroadcastTargets prometheus.Histogram

	// Evictions counts connections the server closed.
	// Labels: reason (replaced|delivery_failed|idle|auth_expired|forbidden)
	Evictions *prometheus.CounterVec

	// PresenceTransitions counts published online/offline flips.
	// Labels: state (online|offline)
	PresenceTransitions *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulse_active_connections",
				Help: "Number of registered WebSocket connections by scope type",
			},
			[]string{"scope_type"},
		),

		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_handshakes_total",
				Help: "Total number of WebSocket handshakes by scope type and result",
			},
			[]string{"scope_type", "result"},
		),

		InboundEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_inbound_events_total",
				Help: "Total number of client events by scope type, event type and outcome",
			},
			[]string{"scope_type", "event_type", "outcome"},
		),

		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_deliveries_total",
				Help: "Total number of per-connection delivery attempts by event type and status",
			},
			[]string{"event_type", "status"},
		),

		BroadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_broadcast_duration_seconds",
				Help:    "Duration of a complete broadcast fan-out in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 5},
			},
			[]string{"scope_type"},
		),

		BroadcastTargets: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_broadcast_targets",
				Help:    "Number of connections addressed by a broadcast",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_evictions_total",
				Help: "Total number of connections closed by the server by reason",
			},
			[]string{"reason"},
		),

		PresenceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_presence_transitions_total",
				Help: "Total number of published presence transitions",
			},
			[]string{"state"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(scopeType string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(scopeType).Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(scopeType string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(scopeType).Dec()
}

// RecordHandshake counts a handshake outcome.
func (m *Metrics) RecordHandshake(scopeType, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(scopeType, result).Inc()
}

// RecordInbound counts a processed client event.
func (m *Metrics) RecordInbound(scopeType, eventType, outcome string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(scopeType, eventType, outcome).Inc()
}

// RecordDelivery counts one per-connection delivery attempt.
func (m *Metrics) RecordDelivery(eventType, status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(eventType, status).Inc()
}

// ObserveBroadcast records the duration and fan-out size of a broadcast.
func (m *Metrics) ObserveBroadcast(scopeType string, targets int, d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastDuration.WithLabelValues(scopeType).Observe(d.Seconds())
	m.BroadcastTargets.Observe(float64(targets))
}

// RecordEviction counts a server-initiated close.
func (m *Metrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

// RecordPresence counts a published presence transition.
func (m *Metrics) RecordPresence(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.PresenceTransitions.WithLabelValues(state).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
