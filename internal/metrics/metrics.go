// Package metrics holds the prometheus collectors shared by discovery,
// the realtime channel, the protocol dispatcher and the relay.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "securecarrier"

// Metrics groups every collector the client and relay report.
type Metrics struct {
	Probes         *prometheus.CounterVec
	Scans          *prometheus.CounterVec
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	RelayClients   prometheus.Gauge
	RelayQueued    prometheus.Gauge
	RelayEvicted   prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "probes_total",
			Help:      "TCP discovery probes by result.",
		}, []string{"result"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scans_total",
			Help:      "Subnet scans by outcome.",
		}, []string{"outcome"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_sent_total",
			Help:      "Frames written to the realtime channel.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_received_total",
			Help:      "Frames read from the realtime channel.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped, by reason.",
		}, []string{"reason"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "events_dropped_total",
			Help:      "Channel events discarded because nobody drained Events.",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "decode_errors_total",
			Help:      "Inbound envelopes rejected, by kind.",
		}, []string{"kind"}),
		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Clients currently connected to the relay.",
		}),
		RelayQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "queued_messages",
			Help:      "Messages waiting for offline recipients.",
		}),
		RelayEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "evicted_clients_total",
			Help:      "Clients disconnected because their send queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Probes, m.Scans,
			m.FramesSent, m.FramesReceived, m.FramesDropped, m.EventsDropped,
			m.DecodeErrors,
			m.RelayClients, m.RelayQueued, m.RelayEvicted,
		)
	}
	return m
}

func (m *Metrics) Probe(result string) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(result).Inc()
}

func (m *Metrics) Scan(outcome string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetRelayClients(n int) {
	if m == nil {
		return
	}
	m.RelayClients.Set(float64(n))
}

func (m *Metrics) SetRelayQueued(n int) {
	if m == nil {
		return
	}
	m.RelayQueued.Set(float64(n))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.RelayEvicted.Inc()
}
