package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tracesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognos_traces_total",
		Help: "Trace records persisted, by decision and upstream outcome",
	}, []string{"decision", "upstream"})

	rejectedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognos_requests_rejected_total",
		Help: "Requests rejected before a trace was persisted, by reason",
	}, []string{"reason"})
)

// RecordRejection counts a request refused by middleware in front of the
// handler (authentication, rate limiting).
func RecordRejection(reason string) {
	rejectedRequests.WithLabelValues(reason).Inc()
}
