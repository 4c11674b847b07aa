package stt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Every recognizer metric carries the provider that served the call.
var (
	recognizerAudioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_audio_bytes_total",
		Help: "Caller audio bytes handed to the recognizer",
	}, []string{"provider"})

	recognizerFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_frames_total",
		Help: "Caller audio frames by outcome (queued, dropped)",
	}, []string{"provider", "outcome"})

	recognizerStreamOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_stream_opens_total",
		Help: "Provider streams opened, including restarts within a call",
	}, []string{"provider"})

	recognizerOpenMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stt_recognizer_open_ms",
		Help:    "Time to open a provider stream (ms)",
		Buckets: prometheus.ExponentialBuckets(10, 1.8, 10),
	}, []string{"provider"})

	recognizerCircuitOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_circuit_open_total",
		Help: "Times a call stopped reconnecting after repeated failures",
	}, []string{"provider"})

	recognizerActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stt_recognizer_calls_active",
		Help: "Calls with an open recognizer",
	}, []string{"provider"})

	recognizerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stt_recognizer_send_queue_depth",
		Help: "Depth of the outbound audio queue (last observed)",
	}, []string{"provider"})

	recognizerFinals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_finals_total",
		Help: "Caller turns finalized by source (provider, provider_cached, interim_fallback, empty)",
	}, []string{"provider", "source"})

	recognizerBoundaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_boundaries_total",
		Help: "Speech boundary events from the provider (speech_started, utterance_end)",
	}, []string{"provider", "type"})

	recognizerEventDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_recognizer_event_drops_total",
		Help: "Interim events dropped because the call was not reading",
	}, []string{"provider"})
)
