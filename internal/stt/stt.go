package stt

import (
	"context"
	"time"
)

type EventType string

const (
	EventInterim EventType = "interim"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
)

// Event is one recognizer output. Interim text is the running hypothesis for
// the current utterance; Final closes it.
type Event struct {
	Type EventType
	Text string
	At   time.Time
}

// Stream is one recognition session bound to a call.
type Stream interface {
	// Send enqueues one audio frame. It never blocks; false means the frame
	// was dropped.
	Send(frame []byte) bool
	// Events is closed after Close or when the parent context ends.
	Events() <-chan Event
	Close()
}

type Recognizer interface {
	Open(ctx context.Context, callID string) (Stream, error)
	Name() string
}
