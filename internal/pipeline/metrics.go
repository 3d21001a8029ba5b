package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPhases = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_pipeline_phases_total",
	Help: "Pipeline phase outcomes by phase and result.",
}, []string{"phase", "result"})
