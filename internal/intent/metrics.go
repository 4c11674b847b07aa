package intent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intent_classifications_total",
		Help: "Classified utterances by classifier and intent",
	}, []string{"classifier", "intent"})

	metricClassifierFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intent_classifier_fallbacks_total",
		Help: "Model classifications replaced by the rules classifier",
	}, []string{"reason"})

	metricClassifyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intent_classify_ms",
		Help:    "Classifier latency (ms)",
		Buckets: prometheus.ExponentialBuckets(20, 1.8, 10),
	}, []string{"classifier"})
)
