package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_active_calls",
		Help: "Calls currently handled by this instance",
	})

	metricVADStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_vad_starts_total",
		Help: "Total caller speech start events",
	})

	metricVADEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_vad_ends_total",
		Help: "Total caller speech end events",
	})

	metricBargeIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_barge_in_events_total",
		Help: "Total barge-in stop events triggered",
	})

	metricBargeInGuardBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_barge_in_guard_blocks_total",
		Help: "Frames above threshold blocked by guard window",
	})

	metricBargeInLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_barge_in_latency_ms",
		Help:    "Latency from caller speech onset to the barge-in decision",
		Buckets: prometheus.ExponentialBuckets(10, 1.6, 10),
	})

	metricTTSFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_tts_first_audio_ms",
		Help:    "Latency from synthesis request to first outbound frame",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricTurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_turn_latency_ms",
		Help:    "Latency from the caller's final transcript to the first frame of the reply",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})

	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_state_transitions_total",
		Help: "Orchestrator state transitions",
	}, []string{"from", "to"})

	metricRecognitionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_recognition_timeouts_total",
		Help: "Turns ended because no transcript arrived in time",
	})

	metricTurnBudgetExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_turn_budget_exceeded_total",
		Help: "Dialogue steps that ran past the turn budget",
	})

	metricSynthesisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_synthesis_failures_total",
		Help: "Utterances that could not be synthesized by any provider",
	})

	metricSummaryFlush = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_summary_flush_total",
		Help: "Call summaries written to storage by status",
	}, []string{"status"})
)
