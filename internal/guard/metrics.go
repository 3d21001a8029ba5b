package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricState: 1 ready, 2 bypassed, 0 uninitialized, -1 degraded.
	metricState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_guard_state",
		Help: "Billing guard lifecycle state (1 ready, 2 bypassed, 0 uninitialized, -1 degraded).",
	})

	metricHardFail = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_guard_hard_fail_total",
		Help: "Invariant checks whose effective verdict was fail.",
	}, []string{"invariant"})

	metricDivergence = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_guard_divergence_total",
		Help: "Checks where evaluator and ad-hoc verdicts disagreed.",
	}, []string{"invariant"})
)
