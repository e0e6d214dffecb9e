package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cognos_upstream_latency_seconds",
		Help:    "Time until the upstream provider returned response headers",
		Buckets: prometheus.DefBuckets,
	})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cognos_upstream_breaker_state",
		Help: "Upstream circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)
