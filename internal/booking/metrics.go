package booking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_commits_total",
		Help: "Commit outcomes by action kind; errors and conflicts are labelled with their code",
	}, []string{"kind", "outcome"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_collaborator_retries_total",
		Help: "Collaborator calls retried after a transient failure",
	}, []string{"op"})

	metricRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_rollbacks_total",
		Help: "Compensating writes after a partial commit",
	}, []string{"kind", "result"})

	metricAvailabilitySlots = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_availability_slots",
		Help:    "Free slots returned per availability query",
		Buckets: prometheus.LinearBuckets(0, 5, 10),
	})
)
