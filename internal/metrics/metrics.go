// Package metrics holds the Prometheus collectors for the consensus
// engine. One Registry is created per performance instance and
// dependency-injected into components; nothing registers against the
// global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all CrowdCue metrics.
type Registry struct {
	reg *prometheus.Registry

	// Ingress
	InputsAccepted *prometheus.CounterVec
	InputsRejected *prometheus.CounterVec
	BufferDropped  prometheus.Counter
	ActiveSessions prometheus.Gauge

	// Scheduler
	TickDuration prometheus.Histogram
	TickOverruns prometheus.Counter
	TicksTotal   prometheus.Counter

	// Consensus outputs
	ConsensusValue      *prometheus.GaugeVec
	ConsensusConfidence *prometheus.GaugeVec

	// Bus
	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	SubscriberErrors *prometheus.CounterVec

	// Bridge
	OSCMessagesSent prometheus.Counter
	OSCSendErrors   prometheus.Counter
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.InputsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdcue_inputs_accepted_total",
			Help: "Total accepted audience inputs by parameter",
		},
		[]string{"parameter"},
	)

	r.InputsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdcue_inputs_rejected_total",
			Help: "Total rejected audience inputs by reason",
		},
		[]string{"reason"},
	)

	r.BufferDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcue_buffer_dropped_total",
			Help: "Buffered inputs evicted by the hard cap",
		},
	)

	r.ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crowdcue_active_sessions",
			Help: "Currently admitted audience sessions",
		},
	)

	r.TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crowdcue_tick_duration_seconds",
			Help:    "Consensus tick duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	r.TickOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcue_tick_overruns_total",
			Help: "Ticks that ran longer than the tick period",
		},
	)

	r.TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcue_ticks_total",
			Help: "Total consensus ticks produced",
		},
	)

	r.ConsensusValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crowdcue_consensus_value",
			Help: "Last published consensus value by parameter",
		},
		[]string{"parameter"},
	)

	r.ConsensusConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crowdcue_consensus_confidence",
			Help: "Last published consensus confidence by parameter",
		},
		[]string{"parameter"},
	)

	r.EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdcue_bus_events_published_total",
			Help: "Bus events published by kind",
		},
		[]string{"kind"},
	)

	r.EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdcue_bus_events_dropped_total",
			Help: "Bus events dropped on subscriber queue overflow by subscriber",
		},
		[]string{"subscriber"},
	)

	r.SubscriberErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdcue_bus_subscriber_errors_total",
			Help: "Subscriber handler errors and panics by subscriber",
		},
		[]string{"subscriber"},
	)

	r.OSCMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcue_osc_messages_sent_total",
			Help: "OSC messages and bundles sent downstream",
		},
	)

	r.OSCSendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcue_osc_send_errors_total",
			Help: "OSC sends that failed",
		},
	)

	r.reg.MustRegister(
		r.InputsAccepted, r.InputsRejected, r.BufferDropped, r.ActiveSessions,
		r.TickDuration, r.TickOverruns, r.TicksTotal,
		r.ConsensusValue, r.ConsensusConfidence,
		r.EventsPublished, r.EventsDropped, r.SubscriberErrors,
		r.OSCMessagesSent, r.OSCSendErrors,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler
// and for test scrapes.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}
