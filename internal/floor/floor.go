package floor

import (
	"strings"
	"time"
	"unicode"
)

type State string

const (
	Idle                  State = "IDLE"
	SpeakingSystem        State = "SPEAKING_SYSTEM"
	SpeakingInterruptible State = "SPEAKING_INTERRUPTIBLE"
)

// Params tunes when caller speech may interrupt system speech.
type Params struct {
	Grace     time.Duration // no interruption this soon after speech starts
	Hold      time.Duration // energy must stay above MinRMS this long
	Dropout   time.Duration // dips shorter than this do not break a hold
	MinRMS    float64
	MinTokens int
}

func DefaultParams() Params {
	return Params{
		Grace:     600 * time.Millisecond,
		Hold:      300 * time.Millisecond,
		Dropout:   120 * time.Millisecond,
		MinRMS:    600,
		MinTokens: 3,
	}
}

// how long a satisfied hold is remembered while waiting for tokens
const energyMemory = 1500 * time.Millisecond

// Decision represents the action the floor manager wants to take.
type Decision struct {
	ShouldStop      bool
	StopUtteranceID string
	Reason          string        // "barge_in", or "guard" for frames blocked by the grace window
	Latency         time.Duration // speech onset to decision
}

// Manager decides barge-in for one call. It is not safe for concurrent use;
// the call's turn loop owns it.
type Manager struct {
	p Params

	speaking          bool
	activeUtteranceID string
	startedAt         time.Time

	aboveSince time.Time
	lastAbove  time.Time
	heldAt     time.Time // when the current hold was satisfied

	committedTokens int
	interimTokens   int
	decided         bool
}

func New(p Params) *Manager { return &Manager{p: p} }

func (m *Manager) Params() Params { return m.p }

func (m *Manager) OnTTSStarted(utteranceID string, now time.Time) Decision {
	m.speaking = true
	m.activeUtteranceID = utteranceID
	m.startedAt = now
	m.resetRun()
	m.committedTokens, m.interimTokens = 0, 0
	m.decided = false
	return Decision{}
}

func (m *Manager) OnTTSStopped(utteranceID string, now time.Time, reason string) Decision {
	// A late stop for an utterance that was already replaced is ignored.
	if utteranceID != "" && utteranceID != m.activeUtteranceID {
		return Decision{}
	}
	m.speaking = false
	m.activeUtteranceID = ""
	m.resetRun()
	return Decision{}
}

func (m *Manager) resetRun() {
	m.aboveSince, m.lastAbove, m.heldAt = time.Time{}, time.Time{}, time.Time{}
}

func (m *Manager) State(now time.Time) State {
	if !m.speaking {
		return Idle
	}
	if now.Before(m.startedAt.Add(m.p.Grace)) {
		return SpeakingSystem
	}
	return SpeakingInterruptible
}

// OnAudioLevel feeds the RMS of one inbound frame.
func (m *Manager) OnAudioLevel(rms float64, now time.Time) Decision {
	if !m.speaking || m.decided {
		return Decision{}
	}
	if m.State(now) == SpeakingSystem {
		m.resetRun()
		if rms >= m.p.MinRMS {
			return Decision{Reason: "guard"}
		}
		return Decision{}
	}
	if rms >= m.p.MinRMS {
		if m.aboveSince.IsZero() {
			m.aboveSince = now
		}
		m.lastAbove = now
		if m.heldAt.IsZero() && now.Sub(m.aboveSince) >= m.p.Hold {
			m.heldAt = now
		}
	} else if !m.lastAbove.IsZero() && now.Sub(m.lastAbove) > m.p.Dropout {
		// run broken; a satisfied hold is kept for a while so late tokens can still count
		m.aboveSince = time.Time{}
		if m.heldAt.IsZero() || now.Sub(m.lastAbove) > energyMemory {
			m.resetRun()
		}
	}
	return m.evaluate(now)
}

// OnTranscript feeds recognizer output heard while the system is speaking.
// Interim text replaces the previous interim; final text is committed.
func (m *Manager) OnTranscript(text string, final bool, now time.Time) Decision {
	if !m.speaking || m.decided || m.State(now) == SpeakingSystem {
		return Decision{}
	}
	n := CountTokens(text)
	if final {
		m.committedTokens += n
		m.interimTokens = 0
	} else {
		m.interimTokens = n
	}
	return m.evaluate(now)
}

func (m *Manager) Tokens() int { return m.committedTokens + m.interimTokens }

func (m *Manager) evaluate(now time.Time) Decision {
	if m.heldAt.IsZero() || m.Tokens() < m.p.MinTokens {
		return Decision{}
	}
	m.decided = true
	onset := m.aboveSince
	if onset.IsZero() {
		onset = m.heldAt.Add(-m.p.Hold)
	}
	return Decision{
		ShouldStop:      true,
		StopUtteranceID: m.activeUtteranceID,
		Reason:          "barge_in",
		Latency:         now.Sub(onset),
	}
}

// CountTokens counts words that carry at least one letter or digit.
func CountTokens(text string) int {
	n := 0
	for _, f := range strings.Fields(text) {
		for _, r := range f {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				n++
				break
			}
		}
	}
	return n
}
