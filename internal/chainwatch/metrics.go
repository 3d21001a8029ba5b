package chainwatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chainwatch_invalidations_total",
		Help: "Ownership cache invalidations from transfer events.",
	})

	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chainwatch_reconnects_total",
		Help: "Subscription reconnect attempts.",
	})
)
