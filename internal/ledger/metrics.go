package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mockforge_ledger_operations_total",
	Help: "Ledger operations by type and outcome.",
}, []string{"op", "outcome"})
