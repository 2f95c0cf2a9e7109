package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	saves          *prometheus.CounterVec
	leaseConflicts *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		saves: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "espalier",
				Name:      "saves_total",
				Help:      "Total number of committed document writes",
			},
			[]string{"schema", "op"},
		),
		leaseConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "espalier",
				Name:      "lease_conflicts_total",
				Help:      "Total number of updates that could not acquire the document mutex",
			},
			[]string{"schema"},
		),
	}
}
