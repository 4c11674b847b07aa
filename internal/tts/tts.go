package tts

import (
	"context"
	"errors"
	"sync"

	"bookline/agent/internal/audio"
)

// Synthesizer turns text into a stream of telephony audio frames.
// Synthesize returns an error only when the request could not be started;
// failures after that are reported by Stream.Err.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Stream, error)
	Name() string
}

// frames of 20ms in the telephony format
var frameBytes = audio.Telephony.FrameSize(20)

// Stream is one in-flight synthesis.
type Stream struct {
	ctx    context.Context
	chunks chan []byte
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	provider string
	fellBack bool
	reason   string
}

// Producer is run on its own goroutine; emit returns false once the stream
// was closed by the reader.
type Producer func(ctx context.Context, emit func([]byte) bool) error

var errClosed = errors.New("tts: stream closed")

func NewStream(ctx context.Context, provider string, fn Producer) *Stream {
	s := openStream(ctx, provider)
	go s.run(fn)
	return s
}

func openStream(ctx context.Context, provider string) *Stream {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Stream{
		ctx:      ctx,
		chunks:   make(chan []byte, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
		provider: provider,
	}
}

func (s *Stream) run(fn Producer) {
	defer close(s.done)
	defer close(s.chunks)
	err := fn(s.ctx, func(b []byte) bool {
		select {
		case s.chunks <- b:
			return true
		case <-s.ctx.Done():
			return false
		}
	})
	if err != nil && !errors.Is(context.Cause(s.ctx), errClosed) {
		s.setErr(err)
	}
}

// Chunks is closed when synthesis ends, fails or the stream is closed.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Err is meaningful once Chunks is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) Close() {
	s.cancel(errClosed)
	<-s.done
}

// Provider names the synthesizer that actually produced the audio.
func (s *Stream) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *Stream) FellBack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fellBack
}

// FallbackReason is empty unless FellBack.
func (s *Stream) FallbackReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Stream) switchTo(provider, reason string) {
	s.mu.Lock()
	s.provider = provider
	s.fellBack = true
	s.reason = reason
	s.mu.Unlock()
}

// emitFrames splits b into telephony frames, keeping a short tail in carry
// so every emitted frame is full until the final flush.
func emitFrames(carry, b []byte, emit func([]byte) bool) ([]byte, bool) {
	carry = append(carry, b...)
	for len(carry) >= frameBytes {
		f := make([]byte, frameBytes)
		copy(f, carry[:frameBytes])
		carry = carry[frameBytes:]
		if !emit(f) {
			return nil, false
		}
	}
	return carry, true
}
