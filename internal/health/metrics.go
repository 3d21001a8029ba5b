package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
		},
		[]string{"endpoint"},
	)

	failureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_failures_total",
			Help: "Health failures recorded per endpoint",
		},
		[]string{"endpoint"},
	)
)
