package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batchrun",
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted by Submit.",
	})
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchrun",
		Name:      "steps_total",
		Help:      "Runner steps by result kind.",
	}, []string{"kind"})
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batchrun",
		Name:      "step_duration_seconds",
		Help:      "Wall-clock time of one runner step including persistence.",
		Buckets:   prometheus.DefBuckets,
	})
)
