package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockforge_job_transitions_total",
		Help: "Job state transitions by edge; to=rejected counts illegal edges.",
	}, []string{"from", "to"})

	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mockforge_job_lease_reclaims_total",
		Help: "Jobs reclaimed by the lease sweeper.",
	})
)
