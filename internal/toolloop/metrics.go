package toolloop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_toolloop_iterations",
		Help:    "Model turns taken per completed tool loop.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
	})

	metricReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_toolloop_replays_total",
		Help: "Tool calls answered from the idempotency cache.",
	})

	metricRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_toolloop_repairs_total",
		Help: "Malformed-argument repair results fed back to the model.",
	})

	metricAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_toolloop_aborts_total",
		Help: "Tool loops aborted, by reason.",
	}, []string{"reason"})
)
