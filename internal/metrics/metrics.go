package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MutationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compmut_mutations_enqueued_total",
			Help: "Mutation records inserted by the producer API",
		},
		[]string{"kind"},
	)

	MutationsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compmut_mutations_processed_total",
			Help: "Mutation records offered to the dispatch table by outcome",
		},
		[]string{"kind", "outcome"}, // applied|failed|unclaimed|dead
	)

	WakePings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compmut_wake_pings_total",
		Help: "Wake signals observed by the worker loop",
	})

	DrainPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compmut_drain_passes_total",
		Help: "Completed drain passes",
	})

	DrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "compmut_drain_duration_seconds",
		Help:    "Wall time of a drain pass",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	})
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MutationsEnqueued,
		MutationsProcessed,
		WakePings,
		DrainPasses,
		DrainDuration,
	)
}
