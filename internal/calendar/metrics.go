package calendar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_requests_total",
		Help: "Calendar collaborator requests by operation and result",
	}, []string{"op", "result"})

	metricLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calendar_request_ms",
		Help:    "Calendar collaborator request latency (ms)",
		Buckets: prometheus.ExponentialBuckets(10, 1.8, 10),
	}, []string{"op"})

	metricLockWaitMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calendar_lock_wait_ms",
		Help:    "Time spent waiting for the per-day write lock (ms)",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func result(err error) string {
	switch err {
	case nil:
		return "ok"
	case ErrSlotTaken:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	}
	return "error"
}
