package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricNormalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_budget_normalized_amounts_total",
		Help: "Ledger amounts accepted only after lenient normalization.",
	})

	metricBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_budget_prechecks_total",
		Help: "Budget prechecks that did not plainly allow, by outcome.",
	}, []string{"outcome"})

	metricWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_budget_ledger_write_failures_total",
		Help: "Failed ledger appends.",
	})

	metricSpent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_budget_spent_micro_usd_total",
		Help: "Recorded spend in micro-USD per scope key.",
	}, []string{"scope"})
)
