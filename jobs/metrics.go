package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	jobs     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  prometheus.Gauge
}

// newMetrics creates the queue collectors. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		jobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "espalier",
				Name:      "jobs_total",
				Help:      "Total number of finished jobs by outcome",
			},
			[]string{"job", "outcome"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "espalier",
				Name:      "job_retries_total",
				Help:      "Total number of job retries",
			},
			[]string{"job"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "espalier",
				Name:      "job_duration_seconds",
				Help:      "Job handler duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"job"},
		),
		pending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "espalier",
				Name:      "jobs_pending",
				Help:      "Number of jobs queued or running",
			},
		),
	}
}
