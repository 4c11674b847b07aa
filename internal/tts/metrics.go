package tts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ttsSynthesisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_synthesis_total",
		Help: "Total TTS synthesis requests by provider and status",
	}, []string{"provider", "status"})

	ttsFirstFrameMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tts_first_frame_ms",
		Help:    "Latency from request start to first audio frame",
		Buckets: prometheus.ExponentialBuckets(20, 1.6, 10),
	}, []string{"provider"})

	ttsTotalDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_total_duration_ms",
		Help:    "Total TTS synthesis time in milliseconds",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})

	ttsElevenLabsLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_elevenlabs_latency_ms",
		Help:    "Latency of ElevenLabs API response (headers)",
		Buckets: prometheus.ExponentialBuckets(20, 1.6, 10),
	})

	ttsFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_fallbacks_total",
		Help: "Switches from the primary to the secondary synthesizer by reason",
	}, []string{"reason"})
)
