package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "batchrun_jobs_swept_total",
	Help: "Batch jobs deleted by the retention sweep, by status.",
}, []string{"status"})
