package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/storage"
	"bookline/agent/internal/tts"
)

// PendingUtterance is the system's in-flight reply. Sentences are
// synthesized one at a time; Cursor counts the ones fully delivered.
type PendingUtterance struct {
	ID        string
	Text      string
	Sentences []string
	Cursor    int

	ctx    context.Context
	cancel context.CancelFunc
	since  time.Time // what the latency of this reply is measured from

	interrupted bool // guarded by call.mu

	// written by the delivery goroutine, read after it hands the utterance back
	frames     int
	firstAudio time.Time
	provider   string
	fellBack   bool
	reason     string
	err        error
}

func (cl *call) newUtterance(ctx context.Context, text string, since time.Time) *PendingUtterance {
	uctx, cancel := context.WithCancel(ctx)
	return &PendingUtterance{
		ID:        uuid.NewString(),
		Text:      text,
		Sentences: splitSentences(text),
		ctx:       uctx,
		cancel:    cancel,
		since:     since,
	}
}

// deliver is the outbound sub-flow: it plays one utterance at a time and
// hands each back to the pipeline when it completes or is cancelled.
func (cl *call) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-cl.speak:
			cl.play(u)
			u.cancel()
			select {
			case cl.played <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (cl *call) play(u *PendingUtterance) {
	ticker := time.NewTicker(cl.opts.FrameInterval)
	defer ticker.Stop()
	for u.Cursor < len(u.Sentences) {
		if u.ctx.Err() != nil {
			return
		}
		if !cl.playSentence(u, u.Sentences[u.Cursor], ticker) {
			return
		}
		u.Cursor++
	}
}

func (cl *call) playSentence(u *PendingUtterance, text string, ticker *time.Ticker) bool {
	const op = "orchestrator.playSentence"
	sctx, cancel := context.WithTimeout(u.ctx, cl.opts.SynthesisTimeout)
	defer cancel()

	requested := cl.now()
	s, err := cl.c.deps.Synthesizer.Synthesize(sctx, text)
	if err != nil {
		if u.ctx.Err() == nil {
			u.err = errs.E(errs.CodeSynthesisFailure, op, "synthesis could not start", err)
		}
		return false
	}
	defer s.Close()
	u.provider = s.Provider()

	first := true
	for {
		select {
		case <-u.ctx.Done():
			return false
		case chunk, ok := <-s.Chunks():
			if !ok {
				cl.noteProvider(u, s)
				if err := s.Err(); err != nil && u.ctx.Err() == nil {
					u.err = errs.E(errs.CodeSynthesisFailure, op, "synthesis failed", err)
					return false
				}
				return u.ctx.Err() == nil
			}
			for _, frame := range audio.Frames(chunk, audio.Telephony.FrameSize(20)) {
				select {
				case <-ticker.C:
				case <-u.ctx.Done():
					return false
				}
				if first {
					first = false
					metricTTSFirstAudio.Observe(float64(cl.now().Sub(requested).Milliseconds()))
				}
				if u.frames == 0 {
					cl.started(u)
				}
				if err := cl.conn.Write(u.ctx, frame); err != nil {
					if u.ctx.Err() == nil {
						u.err = err
					}
					return false
				}
				u.frames++
			}
		}
	}
}

func (cl *call) noteProvider(u *PendingUtterance, s *tts.Stream) {
	u.provider = s.Provider()
	if s.FellBack() && !u.fellBack {
		u.fellBack = true
		u.reason = s.FallbackReason()
		cl.log.WithFields(logrus.Fields{"utterance_id": u.ID, "reason": u.reason, "provider": u.provider}).Warn("tts fell back")
		cl.event("tts_fallback", map[string]any{"utterance_id": u.ID, "reason": u.reason, "provider": u.provider})
	}
}

// started runs when the first frame of an utterance goes out: the floor
// manager opens its grace window from here.
func (cl *call) started(u *PendingUtterance) {
	now := cl.now()
	u.firstAudio = now
	cl.mu.Lock()
	cl.pending = u
	cl.floor.OnTTSStarted(u.ID, now)
	cl.setStateLocked(SpeakingSystem)
	cl.mu.Unlock()
	if !u.since.IsZero() {
		metricTurnLatency.Observe(float64(now.Sub(u.since).Milliseconds()))
	}
}

// finishUtterance closes an utterance handed back by delivery and appends
// the system turn to the transcript. It reports whether it was interrupted.
func (cl *call) finishUtterance(u *PendingUtterance) bool {
	now := cl.now()
	cl.mu.Lock()
	interrupted := u.interrupted
	if cl.pending == u {
		cl.pending = nil
	}
	if !interrupted {
		cl.floor.OnTTSStopped(u.ID, now, "completed")
		cl.setStateLocked(ListeningForCaller)
	}
	cl.mu.Unlock()

	if u.err != nil && !interrupted {
		metricSynthesisFailures.Inc()
		cl.log.WithError(u.err).WithField("utterance_id", u.ID).Error("utterance not delivered")
		cl.event("synthesis_failure", map[string]any{"utterance_id": u.ID, "error": u.err.Error()})
	}
	at := u.firstAudio
	if at.IsZero() {
		at = now
	}
	var latency int64
	if !u.since.IsZero() && !u.firstAudio.IsZero() {
		latency = u.firstAudio.Sub(u.since).Milliseconds()
	}
	cl.record(storage.Turn{
		Speaker:     storage.SpeakerSystem,
		Text:        u.Text,
		At:          at,
		LatencyMS:   latency,
		Interrupted: interrupted,
		TTSProvider: u.provider,
		FellBack:    u.fellBack,
	})
	return interrupted
}

// splitSentences breaks a reply at sentence punctuation followed by a
// space. Each sentence is synthesized on its own.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
