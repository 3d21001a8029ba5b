package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_acquire_total",
			Help: "Successful rate-limit acquisitions per provider",
		},
		[]string{"provider"},
	)

	acquireTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_timeout_total",
			Help: "Rate-limit acquisitions that timed out in the queue",
		},
		[]string{"provider", "bucket"}, // bucket: rpm, tpm
	)

	acquireRefunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_refund_total",
			Help: "RPM tokens refunded after a failed or cancelled acquisition",
		},
		[]string{"provider"},
	)
)
