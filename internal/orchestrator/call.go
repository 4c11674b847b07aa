package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bookline/agent/internal/booking"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/dialogue"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/floor"
	"bookline/agent/internal/storage"
	"bookline/agent/internal/stt"
	"bookline/agent/internal/telephony"
	"bookline/agent/internal/types"
)

const (
	sayUnavailable = "Sorry, we can't take your call right now. Please try again in a few minutes. Goodbye."
	sayStillThere  = "Sorry for the wait. "
	sayBudget      = "Sorry, that took longer than it should. Could you say that again?"
)

// call is the session of one phone call. It owns the dialogue, the floor
// manager and the transcript; nothing here is shared with other calls.
type call struct {
	c      *Controller
	conn   telephony.Conn
	id     string
	caller string
	log    *logrus.Entry
	opts   *Options
	start  time.Time
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	floor     *floor.Manager
	vad       *speechDetector
	pending   *PendingUtterance
	turns     []storage.Turn
	speechEnd time.Time
	endReason string

	machine *dialogue.Machine
	stt     stt.Stream

	speak    chan *PendingUtterance
	played   chan *PendingUtterance
	activity chan struct{}

	flushOnce sync.Once
}

func newCall(c *Controller, conn telephony.Conn, cancel context.CancelFunc) *call {
	opts := &c.opts
	return &call{
		c:        c,
		conn:     conn,
		id:       conn.CallID(),
		caller:   conn.Caller(),
		log:      c.log.WithField("call_id", conn.CallID()),
		opts:     opts,
		start:    opts.Now(),
		cancel:   cancel,
		state:    Idle,
		floor:    floor.New(opts.Floor),
		vad:      newSpeechDetector(opts.Floor.MinRMS),
		speak:    make(chan *PendingUtterance, 1),
		played:   make(chan *PendingUtterance, 1),
		activity: make(chan struct{}, 1),
	}
}

func (cl *call) now() time.Time { return cl.opts.Now() }

func (cl *call) run(ctx context.Context) error {
	cl.register()
	cl.log.WithField("caller", cl.caller).Info("call started")

	snap, err := cl.c.deps.Business.Load(ctx)
	if err != nil {
		cl.log.WithError(err).Error("business config unavailable")
		cl.sayAndHangup(ctx, sayUnavailable, EndConfigFailure)
		cl.flush(EndConfigFailure)
		return err
	}
	res := datetime.NewResolver(cl.opts.Now, snap.Location())
	bopts := cl.opts.Booking
	bopts.Now = cl.opts.Now
	bopts.Log = cl.log
	coord := booking.New(cl.c.deps.Calendar, cl.c.deps.Storage, snap, bopts)
	cl.machine = dialogue.New(dialogue.Config{
		CallID:      cl.id,
		Caller:      cl.caller,
		Classifier:  cl.c.deps.Classifier(snap, res),
		Resolver:    res,
		Coordinator: coord,
		Clients:     cl.c.deps.Storage,
		MaxNoInput:  cl.opts.MaxReprompts,
		Log:         cl.log,
	})

	rs, err := cl.c.deps.Recognizer.Open(ctx, cl.id)
	if err != nil {
		cl.log.WithError(err).Error("recognizer unavailable")
		cl.sayAndHangup(ctx, sayUnavailable, EndSTTFailure)
		cl.flush(EndSTTFailure)
		return err
	}
	cl.stt = rs
	defer rs.Close()

	cl.mu.Lock()
	cl.setStateLocked(ListeningForCaller)
	cl.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cl.ingest(ctx)
	}()
	go func() {
		defer wg.Done()
		cl.deliver(ctx)
	}()
	cl.pipeline(ctx)
	cl.cancel()
	wg.Wait()

	// a hangup recorded its own reason; otherwise the server is stopping
	cl.flush(EndShutdown)
	return nil
}

func (cl *call) register() {
	if ops := cl.c.deps.Calls; ops != nil {
		if err := ops.CreateCall(types.Call{ID: cl.id, Caller: cl.caller, StartedAt: cl.start.UTC()}); err != nil {
			cl.log.WithError(err).Warn("ops registry")
		}
		ops.AppendEvent(cl.id, "call_started", map[string]any{"caller": cl.caller})
	}
	if reg := cl.c.deps.Media; reg != nil {
		if reg.Replace(cl.id, cl.conn) {
			cl.event("media_replaced", nil)
		}
	}
}

func (cl *call) event(typ string, payload map[string]any) {
	if ops := cl.c.deps.Calls; ops != nil {
		ops.AppendEvent(cl.id, typ, payload)
	}
}

func (cl *call) setStateLocked(to State) {
	from := cl.state
	if from == to || from == Ended {
		return
	}
	cl.state = to
	metricStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	if ops := cl.c.deps.Calls; ops != nil {
		_ = ops.SetControllerState(cl.id, string(to))
		ops.AppendEvent(cl.id, "state", map[string]any{"from": string(from), "to": string(to)})
	}
}

// State returns the controller state.
func (cl *call) State() State {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.state
}

// hangup records why the call is ending and cancels everything in flight.
func (cl *call) hangup(reason string) {
	cl.mu.Lock()
	if cl.endReason == "" {
		cl.endReason = reason
	}
	cl.mu.Unlock()
	cl.cancel()
}

// ingest forwards caller audio to the recognizer and feeds frame energy to
// the floor manager. It stays live while the system speaks.
func (cl *call) ingest(ctx context.Context) {
	frames := cl.conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				cl.log.Info("caller hung up")
				cl.hangup(EndCallerHangup)
				return
			}
			cl.stt.Send(frame)
			cl.onLevel(ctx, cl.opts.Format.Level(frame), cl.now())
		}
	}
}

func (cl *call) onLevel(ctx context.Context, rms float64, now time.Time) {
	cl.mu.Lock()
	started, ended := cl.vad.feed(rms, now)
	if ended {
		cl.speechEnd = now
	}
	d := cl.floor.OnAudioLevel(rms, now)
	cl.syncFloorLocked(now)
	cl.mu.Unlock()

	if started {
		select {
		case cl.activity <- struct{}{}:
		default:
		}
	}
	cl.decide(ctx, d)
}

// syncFloorLocked moves SpeakingSystem to SpeakingInterruptible once the
// grace window is over.
func (cl *call) syncFloorLocked(now time.Time) {
	if cl.state == SpeakingSystem && cl.floor.State(now) == floor.SpeakingInterruptible {
		cl.setStateLocked(SpeakingInterruptible)
	}
}

func (cl *call) onTranscript(ctx context.Context, text string, final bool, now time.Time) {
	cl.mu.Lock()
	d := cl.floor.OnTranscript(text, final, now)
	cl.syncFloorLocked(now)
	cl.mu.Unlock()
	cl.decide(ctx, d)
}

func (cl *call) decide(ctx context.Context, d floor.Decision) {
	if d.Reason == "guard" {
		metricBargeInGuardBlocks.Inc()
	}
	if d.ShouldStop {
		cl.interrupt(ctx, d)
	}
}

// interrupt stops the in-flight utterance: outbound delivery is cancelled,
// the carrier's playback buffer is cleared and the call listens again.
func (cl *call) interrupt(ctx context.Context, d floor.Decision) {
	now := cl.now()
	cl.mu.Lock()
	u := cl.pending
	if u == nil || u.ID != d.StopUtteranceID || u.interrupted {
		cl.mu.Unlock()
		return
	}
	u.interrupted = true
	u.cancel()
	tokens := cl.floor.Tokens()
	cl.floor.OnTTSStopped(u.ID, now, "barge_in")
	cl.setStateLocked(ListeningForCaller)
	cl.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	if err := cl.conn.Clear(cctx); err != nil && !errors.Is(err, telephony.ErrClosed) {
		cl.log.WithError(err).Warn("clear playback")
	}
	cancel()

	metricBargeIn.Inc()
	metricBargeInLatency.Observe(float64(d.Latency.Milliseconds()))
	cl.log.WithFields(logrus.Fields{
		"utterance_id": u.ID,
		"latency_ms":   d.Latency.Milliseconds(),
		"tokens":       tokens,
	}).Info("barge-in")
	cl.event("barge_in", map[string]any{"utterance_id": u.ID, "latency_ms": d.Latency.Milliseconds(), "tokens": tokens})
}

func (cl *call) callerSpeaking() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.vad.speaking
}

func (cl *call) record(t storage.Turn) {
	cl.mu.Lock()
	cl.turns = append(cl.turns, t)
	cl.mu.Unlock()
	cl.event(t.Speaker+"_turn", map[string]any{
		"text":        t.Text,
		"latency_ms":  t.LatencyMS,
		"interrupted": t.Interrupted,
		"provider":    t.TTSProvider,
		"fell_back":   t.FellBack,
	})
}

// pipeline is the turn loop: recognizer output in, dialogue step, reply out.
// It owns the dialogue machine.
func (cl *call) pipeline(ctx context.Context) {
	events := cl.stt.Events()
	noInput := time.NewTimer(cl.opts.RecognitionTimeout)
	noInput.Stop()
	defer noInput.Stop()

	var (
		inFlight  *PendingUtterance
		hangAfter bool
		heard     []string // finals that arrived while the system was speaking
	)
	listen := func() {
		noInput.Reset(cl.opts.RecognitionTimeout)
	}
	say := func(r dialogue.Reply, since time.Time) {
		noInput.Stop()
		cl.mirror(r)
		inFlight = cl.newUtterance(ctx, r.Text, since)
		hangAfter = r.End
		cl.speak <- inFlight
	}
	respond := func(text string, at time.Time) bool {
		r, ok := cl.step(ctx, text, at)
		if !ok {
			return false
		}
		say(r, at)
		return true
	}

	say(cl.machine.Greeting(ctx), cl.start)
	for {
		select {
		case <-ctx.Done():
			return

		case u := <-cl.played:
			inFlight = nil
			interrupted := cl.finishUtterance(u)
			if hangAfter {
				cl.playout(ctx, u)
				cl.hangup(EndCompleted)
				_ = cl.conn.Close()
				return
			}
			pending := strings.Join(heard, " ")
			heard = nil
			// speech over the tail of a prompt counts when it is more than noise
			if pending != "" && (interrupted || floor.CountTokens(pending) >= cl.opts.Floor.MinTokens) {
				if !respond(pending, cl.now()) {
					return
				}
				continue
			}
			listen()

		case ev, ok := <-events:
			if !ok {
				cl.log.Warn("recognizer stream closed")
				cl.hangup(EndSTTFailure)
				return
			}
			switch ev.Type {
			case stt.EventError:
				cl.log.WithField("error", ev.Text).Warn("recognizer error")
			case stt.EventInterim:
				if inFlight != nil {
					cl.onTranscript(ctx, ev.Text, false, ev.At)
				} else if strings.TrimSpace(ev.Text) != "" {
					listen()
				}
			case stt.EventFinal:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				heard = append(heard, text)
				if inFlight != nil {
					cl.onTranscript(ctx, text, true, ev.At)
					continue
				}
				full := strings.Join(heard, " ")
				heard = nil
				if !respond(full, ev.At) {
					return
				}
			}

		case <-cl.activity:
			if inFlight == nil {
				listen()
			}

		case <-noInput.C:
			if inFlight != nil {
				continue
			}
			if cl.callerSpeaking() {
				listen()
				continue
			}
			metricRecognitionTimeouts.Inc()
			cl.log.Debug("no input")
			cl.event("no_input", nil)
			say(cl.machine.NoInput(ctx), cl.now())
		}
	}
}

// step runs one dialogue turn inside the turn budget. ok is false when the
// call is over.
func (cl *call) step(ctx context.Context, text string, at time.Time) (dialogue.Reply, bool) {
	cl.mu.Lock()
	var latency int64
	if !cl.speechEnd.IsZero() && at.After(cl.speechEnd) {
		latency = at.Sub(cl.speechEnd).Milliseconds()
	}
	cl.mu.Unlock()
	cl.record(storage.Turn{Speaker: storage.SpeakerCaller, Text: text, At: at, LatencyMS: latency})

	sctx, cancel := context.WithTimeout(ctx, cl.opts.TurnBudget)
	r, err := cl.machine.Step(sctx, text)
	over := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()
	if ctx.Err() != nil {
		return dialogue.Reply{}, false
	}
	if err != nil {
		if errs.IsCode(err, errs.CodeSessionAborted) {
			cl.hangup(EndCompleted)
			_ = cl.conn.Close()
			return dialogue.Reply{}, false
		}
		cl.log.WithError(err).Error("dialogue step")
		return dialogue.Reply{Text: sayBudget, State: cl.machine.State()}, true
	}
	if over {
		metricTurnBudgetExceeded.Inc()
		cl.log.WithField("budget", cl.opts.TurnBudget).Warn("turn budget exceeded")
		if r.Text == "" {
			r.Text = sayBudget
		} else {
			r.Text = sayStillThere + r.Text
		}
	}
	return r, true
}

// mirror copies dialogue progress into the ops store.
func (cl *call) mirror(r dialogue.Reply) {
	ops := cl.c.deps.Calls
	if ops == nil {
		return
	}
	_ = ops.SetDialogueState(cl.id, string(r.State), string(r.Intent))
	if r.Result != nil {
		p := map[string]any{"outcome": string(r.Result.Outcome)}
		if r.Result.Booking.ID != "" {
			p["booking_id"] = r.Result.Booking.ID
			p["start"] = r.Result.Booking.Start
		}
		ops.AppendEvent(cl.id, "action", p)
	}
}

// playout waits until the carrier reports the last utterance played, so a
// goodbye is not cut off by the hangup.
func (cl *call) playout(ctx context.Context, u *PendingUtterance) {
	pt, ok := cl.conn.(telephony.PlaybackTracker)
	if !ok || u.frames == 0 {
		return
	}
	name := "end-" + u.ID
	if err := pt.Mark(ctx, name); err != nil {
		return
	}
	t := time.NewTimer(cl.opts.PlayoutTimeout)
	defer t.Stop()
	for {
		select {
		case m := <-pt.Marks():
			if m == name {
				return
			}
		case <-cl.conn.Done():
			return
		case <-ctx.Done():
			return
		case <-t.C:
			return
		}
	}
}

// sayAndHangup speaks a fixed message outside the dialogue and ends the call.
func (cl *call) sayAndHangup(ctx context.Context, text, reason string) {
	u := cl.newUtterance(ctx, text, cl.start)
	cl.play(u)
	u.cancel()
	cl.finishUtterance(u)
	cl.playout(ctx, u)
	cl.hangup(reason)
	_ = cl.conn.Close()
}

// flush writes the call summary exactly once.
func (cl *call) flush(reason string) {
	cl.flushOnce.Do(func() {
		cl.mu.Lock()
		if cl.endReason != "" {
			reason = cl.endReason
		}
		cl.setStateLocked(Ended)
		turns := append([]storage.Turn(nil), cl.turns...)
		cl.mu.Unlock()

		var sum dialogue.Summary
		if m := cl.machine; m != nil {
			if !m.Ended() {
				m.Abort()
			}
			sum = m.Summary()
		}
		cs := storage.CallSummary{
			CallID:    cl.id,
			Caller:    cl.caller,
			StartedAt: cl.start.UTC(),
			EndedAt:   cl.now().UTC(),
			EndReason: reason,
			Intent:    sum.Intent,
			Outcome:   sum.Outcome,
			BookingID: sum.BookingID,
			Slots:     sum.Slots,
			Turns:     turns,
		}
		ctx, cancel := context.WithTimeout(context.Background(), cl.opts.FlushTimeout)
		defer cancel()
		if err := cl.c.deps.Storage.SaveSummary(ctx, cs); err != nil {
			metricSummaryFlush.WithLabelValues("error").Inc()
			cl.log.WithError(err).Error("save call summary")
		} else {
			metricSummaryFlush.WithLabelValues("ok").Inc()
		}

		if ops := cl.c.deps.Calls; ops != nil {
			_ = ops.EndCall(cl.id, sum.Outcome, sum.BookingID)
			ops.AppendEvent(cl.id, "call_ended", map[string]any{"reason": reason, "outcome": sum.Outcome, "turns": len(turns)})
		}
		if reg := cl.c.deps.Media; reg != nil {
			reg.Remove(cl.id, cl.conn)
		}
		cl.log.WithFields(logrus.Fields{
			"reason":  reason,
			"outcome": sum.Outcome,
			"turns":   len(turns),
		}).Info("call ended")
	})
}
