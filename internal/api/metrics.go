package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_api_error_responses_total",
		Help: "Error responses by HTTP status and wire code.",
	}, []string{"status", "code"})

	metricInvokeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_api_invoke_duration_seconds",
		Help:    "End-to-end invoke latency including routing and retries.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	metricStreamSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_api_stream_sessions_total",
		Help: "Accepted websocket streaming sessions.",
	})
)
