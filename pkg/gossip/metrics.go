package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// PacketBytesInbound is the total number of read bytes via the
	// transport.
	PacketBytesInbound prometheus.Counter

	// PacketBytesOutbound is the total number of written bytes via the
	// transport.
	PacketBytesOutbound prometheus.Counter

	// RecordsInbound is the total number of records received.
	RecordsInbound prometheus.Counter

	// RecordsOutbound is the total number of records sent.
	RecordsOutbound prometheus.Counter

	// RecordsMerged is the total number of received or locally published
	// records that changed the store.
	RecordsMerged prometheus.Counter

	// DecodeErrors is the total number of payloads or records that could
	// not be decoded.
	DecodeErrors prometheus.Counter

	// SendErrors is the total number of failed sends.
	SendErrors prometheus.Counter

	// AckTimeouts is the total number of push-pull requests that weren't
	// acknowledged.
	AckTimeouts prometheus.Counter

	// Transitions is the number of status transitions labelled by the new
	// status.
	Transitions *prometheus.CounterVec

	// Nodes is the number of known nodes labelled by status.
	Nodes *prometheus.GaugeVec

	// InboundInFlight is the number of inbound payloads being handled.
	InboundInFlight prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		PacketBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "packet_bytes_inbound_total",
				Help:      "Total number of read bytes via the transport",
			},
		),
		PacketBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "packet_bytes_outbound_total",
				Help:      "Total number of written bytes via the transport",
			},
		),
		RecordsInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "records_inbound_total",
				Help:      "Total number of received records",
			},
		),
		RecordsOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "records_outbound_total",
				Help:      "Total number of sent records",
			},
		),
		RecordsMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "records_merged_total",
				Help:      "Total number of records that updated the store",
			},
		),
		DecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "decode_errors_total",
				Help:      "Total number of payloads or records that failed to decode",
			},
		),
		SendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "send_errors_total",
				Help:      "Total number of failed sends",
			},
		),
		AckTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "ack_timeouts_total",
				Help:      "Total number of unacknowledged push-pull requests",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "transitions_total",
				Help:      "Total number of node status transitions",
			},
			[]string{"status"},
		),
		Nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "nodes",
				Help:      "Number of known nodes",
			},
			[]string{"status"},
		),
		InboundInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "swarm",
				Subsystem: "gossip",
				Name:      "inbound_in_flight",
				Help:      "Number of inbound payloads being handled",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PacketBytesInbound,
		m.PacketBytesOutbound,
		m.RecordsInbound,
		m.RecordsOutbound,
		m.RecordsMerged,
		m.DecodeErrors,
		m.SendErrors,
		m.AckTimeouts,
		m.Transitions,
		m.Nodes,
		m.InboundInFlight,
	)
}

// updateNodes sets the nodes gauge from the given status counts.
func (m *Metrics) updateNodes(counts map[Status]int) {
	for _, status := range []Status{
		StatusAlive, StatusSuspect, StatusDead, StatusLeft,
	} {
		m.Nodes.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}
