package cluster

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Events contains the number of membership events, labelled by event
	// type.
	Events *prometheus.CounterVec

	// StatusChanges contains the number of node status changes, labelled by
	// the new status.
	StatusChanges *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "cluster",
				Name:      "events_total",
				Help:      "Number of membership events",
			},
			[]string{"type"},
		),
		StatusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "cluster",
				Name:      "status_changes_total",
				Help:      "Number of node status changes",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.Events,
		m.StatusChanges,
	)
}
