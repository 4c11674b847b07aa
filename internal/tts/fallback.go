package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bookline/agent/internal/errs"
	"bookline/agent/internal/logger"
)

// Fallback reasons, also used as metric labels.
const (
	ReasonSetup      = "setup_error"
	ReasonStream     = "stream_error"
	ReasonFirstChunk = "first_chunk_timeout"
	ReasonIdle       = "idle_timeout"
)

// Fallback speaks through Primary and switches to Secondary for the same
// text when the primary cannot start, fails mid-stream or stalls.
// A zero timeout disables that check.
type Fallback struct {
	Primary           Synthesizer
	Secondary         Synthesizer
	FirstChunkTimeout time.Duration
	IdleTimeout       time.Duration
	Log               *logrus.Entry
}

func (f *Fallback) Name() string { return f.Primary.Name() }

func (f *Fallback) Synthesize(ctx context.Context, text string) (*Stream, error) {
	log := f.Log
	if log == nil {
		log = logger.Component(nil, "tts")
	}
	out := openStream(ctx, f.Primary.Name())
	go out.run(func(ctx context.Context, emit func([]byte) bool) error {
		reason, err := f.relay(ctx, f.Primary, text, emit)
		if reason == "" {
			return err
		}
		if f.Secondary == nil {
			return errs.E(errs.CodeSynthesisFailure, "tts.Fallback", "primary failed, no secondary", err)
		}
		ttsFallbacksTotal.WithLabelValues(reason).Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"primary":   f.Primary.Name(),
			"secondary": f.Secondary.Name(),
			"reason":    reason,
		}).Warn("tts falling back")
		out.switchTo(f.Secondary.Name(), reason)
		if reason, err = f.relay(ctx, f.Secondary, text, emit); reason != "" {
			return errs.E(errs.CodeSynthesisFailure, "tts.Fallback", "both synthesizers failed", err)
		}
		return err
	})
	return out, nil
}

// relay copies one synthesizer's frames to emit. A non-empty reason means
// the synthesizer failed and another one may be tried; cancellation of ctx
// is reported as an error with no reason.
func (f *Fallback) relay(ctx context.Context, syn Synthesizer, text string, emit func([]byte) bool) (string, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st, err := syn.Synthesize(sctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return ReasonSetup, err
	}
	defer st.Close()

	wait, reason := f.FirstChunkTimeout, ReasonFirstChunk
	var timer *time.Timer
	var expired <-chan time.Time
	if wait > 0 {
		timer = time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-expired:
			return reason, fmt.Errorf("%s: no audio for %s", syn.Name(), wait)
		case b, ok := <-st.Chunks():
			if !ok {
				if err := st.Err(); err != nil {
					if ctx.Err() != nil {
						return "", ctx.Err()
					}
					return ReasonStream, err
				}
				return "", nil
			}
			if !emit(b) {
				return "", ctx.Err()
			}
			wait, reason = f.IdleTimeout, ReasonIdle
			if timer != nil {
				timer.Stop()
			}
			expired = nil
			if wait > 0 {
				if timer == nil {
					timer = time.NewTimer(wait)
					defer timer.Stop()
				} else {
					timer.Reset(wait)
				}
				expired = timer.C
			}
		}
	}
}
