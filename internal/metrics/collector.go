// Package xrmetrics exposes Prometheus metrics for the xroverlay mediation
// layer's main-process side: a single Collector struct of counter and
// gauge vectors, labeled per connection where that is useful.
package xrmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "xroverlay"
	subsystem = "mediation"
)

// Label names for overlay mediation metrics.
const (
	labelConnection  = "overlay_pid"
	labelFromState   = "from_state"
	labelToState     = "to_state"
	labelRequestKind = "request_kind"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Mediation Metrics
// -------------------------------------------------------------------------

// Collector holds all overlay mediation Prometheus metrics.
//
// Metrics are designed for operator visibility into a live overlay
// session:
//   - Connections gauges track currently attached overlay processes.
//   - Request counters track per-kind mediated/passthrough call volume.
//   - Event relay counters track queued and lost events per connection.
//   - Texture bridge counters track copy-resource and keyed-mutex waits.
//   - State transition counters record overlay FSM changes for alerting.
type Collector struct {
	// Connections tracks the number of currently attached overlay
	// connections. Incremented on successful negotiation, decremented on
	// teardown.
	Connections prometheus.Gauge

	// RequestsTotal counts every dispatched request by kind, across all
	// connections.
	RequestsTotal *prometheus.CounterVec

	// RequestErrorsTotal counts requests that returned a non-success
	// result code, by kind.
	RequestErrorsTotal *prometheus.CounterVec

	// EventsRelayed counts events successfully pushed onto a connection's
	// event queue.
	EventsRelayed *prometheus.CounterVec

	// EventsLost counts events dropped because a connection's event queue
	// was full (lost-events coalescing).
	EventsLost *prometheus.CounterVec

	// TextureCopies counts GPU copy-resource operations performed by the
	// texture bridge on swapchain image release.
	TextureCopies *prometheus.CounterVec

	// KeyedMutexWaitSeconds observes how long the main side waited to
	// acquire the keyed mutex with the MAIN key during release-swapchain-
	// image handling.
	KeyedMutexWaitSeconds *prometheus.HistogramVec

	// StateTransitions counts overlay session FSM state transitions,
	// labeled with the old and new state for alerting (e.g.
	// Synchronized->LossPending).
	StateTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with all mediation metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "xroverlay_mediation_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.RequestsTotal,
		c.RequestErrorsTotal,
		c.EventsRelayed,
		c.EventsLost,
		c.TextureCopies,
		c.KeyedMutexWaitSeconds,
		c.StateTransitions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	connLabels := []string{labelConnection}
	requestLabels := []string{labelRequestKind}
	transitionLabels := []string{labelConnection, labelFromState, labelToState}

	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently attached overlay connections.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total dispatched requests, by request kind.",
		}, requestLabels),

		RequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_errors_total",
			Help:      "Total requests returning a non-success result code, by request kind.",
		}, requestLabels),

		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_relayed_total",
			Help:      "Total events pushed onto a connection's event queue.",
		}, connLabels),

		EventsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_lost_total",
			Help:      "Total events dropped because the connection's event queue was full.",
		}, connLabels),

		TextureCopies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "texture_copies_total",
			Help:      "Total GPU copy-resource operations performed by the texture bridge.",
		}, connLabels),

		KeyedMutexWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keyed_mutex_wait_seconds",
			Help:      "Time spent waiting to acquire the keyed mutex with the MAIN key.",
			Buckets:   prometheus.DefBuckets,
		}, connLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total overlay session FSM state transitions.",
		}, transitionLabels),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection increments the active connections gauge. Called when
// a new overlay connection completes negotiation.
func (c *Collector) RegisterConnection() {
	c.Connections.Inc()
}

// UnregisterConnection decrements the active connections gauge. Called
// when a connection is torn down.
func (c *Collector) UnregisterConnection() {
	c.Connections.Dec()
}

// -------------------------------------------------------------------------
// Request Counters
// -------------------------------------------------------------------------

// IncRequest increments the dispatched-requests counter for the given
// request kind.
func (c *Collector) IncRequest(kind string) {
	c.RequestsTotal.WithLabelValues(kind).Inc()
}

// IncRequestError increments the failed-requests counter for the given
// request kind.
func (c *Collector) IncRequestError(kind string) {
	c.RequestErrorsTotal.WithLabelValues(kind).Inc()
}

// -------------------------------------------------------------------------
// Event Relay
// -------------------------------------------------------------------------

// IncEventsRelayed increments the relayed-events counter for the given
// connection.
func (c *Collector) IncEventsRelayed(connID string) {
	c.EventsRelayed.WithLabelValues(connID).Inc()
}

// IncEventsLost increments the lost-events counter for the given
// connection by n (the lost-events record's coalesced count).
func (c *Collector) IncEventsLost(connID string, n int) {
	c.EventsLost.WithLabelValues(connID).Add(float64(n))
}

// -------------------------------------------------------------------------
// Texture Bridge
// -------------------------------------------------------------------------

// IncTextureCopy increments the copy-resource counter for the given
// connection.
func (c *Collector) IncTextureCopy(connID string) {
	c.TextureCopies.WithLabelValues(connID).Inc()
}

// ObserveKeyedMutexWait records how long the main side waited to acquire
// the keyed mutex for the given connection.
func (c *Collector) ObserveKeyedMutexWait(connID string, seconds float64) {
	c.KeyedMutexWaitSeconds.WithLabelValues(connID).Observe(seconds)
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on connections dropping into
// LossPending unexpectedly.
func (c *Collector) RecordStateTransition(connID, from, to string) {
	c.StateTransitions.WithLabelValues(connID, from, to).Inc()
}
