package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mockforge_breaker_state",
		Help: "Breaker state per dependency (0=closed, 1=open, 2=half_open).",
	}, []string{"dependency"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockforge_breaker_failures_total",
		Help: "Dependency-class failures counted toward the trip threshold.",
	}, []string{"dependency"})

	tripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockforge_breaker_trips_total",
		Help: "Closed-to-open transitions.",
	}, []string{"dependency"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockforge_breaker_rejections_total",
		Help: "Calls rejected without invoking the dependency.",
	}, []string{"dependency"})
)
