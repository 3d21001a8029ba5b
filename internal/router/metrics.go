package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInvokes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_router_invokes_total",
		Help: "Candidate invocations by pool and outcome.",
	}, []string{"pool", "outcome"})

	metricDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_router_downgrades_total",
		Help: "Requests rerouted onto the downgrade chain by budget pressure.",
	})
)
