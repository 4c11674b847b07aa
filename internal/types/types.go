package types

import "time"

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Call is the ops view of one phone call.
type Call struct {
	ID              string     `json:"call_id"`
	StreamSid       string     `json:"stream_sid,omitempty"`
	Caller          string     `json:"caller,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Status          string     `json:"status"`
	ControllerState string     `json:"controller_state,omitempty"`
	DialogueState   string     `json:"dialogue_state,omitempty"`
	Intent          string     `json:"intent,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	BookingID       string     `json:"booking_id,omitempty"`
}

// Call statuses.
const (
	StatusRinging = "ringing"
	StatusLive    = "live"
	StatusEnded   = "ended"
)
