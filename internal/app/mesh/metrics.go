package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "wevibin"

// Metrics are owned by one Coordinator. A nil Registerer yields working but
// unregistered collectors.
type Metrics struct {
	Sessions            prometheus.Gauge
	StaleMessages       prometheus.Counter
	NegotiationFailures prometheus.Counter
	SignalingFailures   prometheus.Counter
	CandidateFailures   prometheus.Counter
	DroppedEvents       prometheus.Counter
	DeviceSwaps         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "sessions",
			Help:      "Live peer sessions.",
		}),
		StaleMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "stale_messages_total",
			Help:      "Signaling messages dropped because no matching session exists.",
		}),
		NegotiationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "negotiation_failures_total",
			Help:      "Sessions failed while creating or applying descriptions.",
		}),
		SignalingFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "signaling_failures_total",
			Help:      "Outbound signaling messages the transport refused.",
		}),
		CandidateFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "candidate_failures_total",
			Help:      "Remote ICE candidates that could not be applied.",
		}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "dropped_events_total",
			Help:      "Session events dropped for slow subscribers.",
		}),
		DeviceSwaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "capture",
			Name:      "device_swaps_total",
			Help:      "Input device switches by result.",
		}, []string{"result"}),
	}
}
