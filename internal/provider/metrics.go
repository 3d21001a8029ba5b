package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_provider_requests_total",
		Help: "Upstream completion requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_provider_retries_total",
		Help: "Retry attempts against upstream providers.",
	}, []string{"provider"})
)
