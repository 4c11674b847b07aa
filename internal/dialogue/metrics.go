package dialogue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogue_state_transitions_total",
		Help: "Dialogue state machine transitions",
	}, []string{"from", "to"})

	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogue_turns_total",
		Help: "Caller turns handled, by current intent",
	}, []string{"intent"})

	metricReprompts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogue_reprompts_total",
		Help: "Questions asked again, by reason",
	}, []string{"reason"})

	metricVagueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialogue_vague_time_rejected_total",
		Help: "Vague time phrases turned down as a booking time",
	})

	metricReturning = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogue_returning_callers_total",
		Help: "Returning caller lookups by result (single, ambiguous, resolved, none)",
	}, []string{"result"})

	metricOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dialogue_outcomes_total",
		Help: "How each intent ended",
	}, []string{"intent", "outcome"})
)
