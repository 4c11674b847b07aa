package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/floor"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/storage"
	"bookline/agent/internal/store"
	"bookline/agent/internal/stt"
	"bookline/agent/internal/telephony"
	"bookline/agent/internal/tts"
	"bookline/agent/internal/types"
)

// Wednesday
var fixed = time.Date(2026, time.October, 14, 9, 0, 0, 0, time.UTC)

type fakeConn struct {
	id     string
	frames chan []byte
	done   chan struct{}

	closeOnce  sync.Once
	hangupOnce sync.Once
	written    atomic.Int64
	clears     atomic.Int64
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeConn) CallID() string { return f.id }
func (f *fakeConn) Caller() string { return "+15551234567" }
func (f *fakeConn) Frames() <-chan []byte { return f.frames }
func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Write(ctx context.Context, b []byte) error {
	select {
	case <-f.done:
		return telephony.ErrClosed
	default:
	}
	f.written.Add(1)
	return nil
}

func (f *fakeConn) Clear(ctx context.Context) error {
	f.clears.Add(1)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// callerHangup is what the transport does when the carrier ends the call.
func (f *fakeConn) callerHangup() {
	f.hangupOnce.Do(func() { close(f.frames) })
	f.Close()
}

type fakeStream struct {
	events chan stt.Event
	sent   atomic.Int64
}

func (s *fakeStream) Send(frame []byte) bool { s.sent.Add(1); return true }
func (s *fakeStream) Events() <-chan stt.Event { return s.events }
func (s *fakeStream) Close() {}

type fakeRecognizer struct{ stream *fakeStream }

func (r *fakeRecognizer) Open(ctx context.Context, callID string) (stt.Stream, error) {
	return r.stream, nil
}
func (r *fakeRecognizer) Name() string { return "fake" }

type brokenSynth struct{}

func (brokenSynth) Name() string { return "broken" }
func (brokenSynth) Synthesize(ctx context.Context, text string) (*tts.Stream, error) {
	return nil, errors.New("provider down")
}

type failingBusiness struct{}

func (failingBusiness) Load(ctx context.Context) (bizconfig.Snapshot, error) {
	return bizconfig.Snapshot{}, errors.New("config store down")
}

// slowCalendar never answers before the caller's deadline.
type slowCalendar struct{ *calendar.Memory }

func (s slowCalendar) ListEvents(ctx context.Context, start, end time.Time) ([]calendar.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type rig struct {
	t     *testing.T
	conn  *fakeConn
	rec   *fakeStream
	st    *storage.Memory
	calls *store.Store
	errc  chan error
}

func newRig(t *testing.T, configure func(*Deps, *Options)) *rig {
	t.Helper()
	snap := bizconfig.Default()
	snap.Timezone = "UTC"
	r := &rig{
		t:     t,
		conn:  newFakeConn("CA100"),
		rec:   &fakeStream{events: make(chan stt.Event, 16)},
		st:    storage.NewMemory(),
		calls: store.New(),
		errc:  make(chan error, 1),
	}
	deps := Deps{
		Recognizer:  &fakeRecognizer{stream: r.rec},
		Synthesizer: tts.Static{PerWord: time.Millisecond},
		Business:    bizconfig.Static{Snapshot: snap},
		Calendar:    calendar.NewMemory(),
		Storage:     r.st,
		Calls:       r.calls,
	}
	opts := Options{
		FrameInterval:      time.Millisecond,
		RecognitionTimeout: 5 * time.Second,
		Now:                func() time.Time { return fixed },
		Log:                logger.Discard(),
	}
	opts.Booking.RetryBase = time.Millisecond
	if configure != nil {
		configure(&deps, &opts)
	}
	ctrl := New(deps, opts)
	go func() { r.errc <- ctrl.Handle(context.Background(), r.conn) }()
	t.Cleanup(r.conn.callerHangup)
	return r
}

func (r *rig) final(text string) {
	r.rec.events <- stt.Event{Type: stt.EventFinal, Text: text, At: time.Now()}
}

func (r *rig) eventsOf(typ string) []types.Event {
	var out []types.Event
	for _, e := range r.calls.ListEvents(r.conn.id) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *rig) waitFor(what string, cond func() bool) {
	r.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			r.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (r *rig) systemTurns(n int) []types.Event {
	r.t.Helper()
	r.waitFor("system turns", func() bool { return len(r.eventsOf("system_turn")) >= n })
	return r.eventsOf("system_turn")
}

func (r *rig) ended() (storage.CallSummary, error) {
	r.t.Helper()
	select {
	case err := <-r.errc:
		sum, ok := r.st.Summary(r.conn.id)
		if !ok {
			r.t.Fatalf("no summary saved")
		}
		return sum, err
	case <-time.After(3 * time.Second):
		r.t.Fatalf("call did not end")
	}
	return storage.CallSummary{}, nil
}

func TestCallAnswersAndHangsUpOnGoodbye(t *testing.T) {
	r := newRig(t, nil)
	turns := r.systemTurns(1)
	if !strings.Contains(turns[0].Payload["text"].(string), "How can I help") {
		t.Fatalf("greeting = %v", turns[0].Payload["text"])
	}

	r.final("Do you have any availability next week?")
	turns = r.systemTurns(2)
	if !strings.Contains(turns[1].Payload["text"].(string), "openings") {
		t.Fatalf("availability reply = %v", turns[1].Payload["text"])
	}

	r.final("okay bye")
	sum, err := r.ended()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sum.EndReason != EndCompleted || len(sum.Turns) != 5 {
		t.Fatalf("summary reason=%s turns=%d", sum.EndReason, len(sum.Turns))
	}
	if sum.Turns[1].Speaker != storage.SpeakerCaller || sum.Turns[2].Speaker != storage.SpeakerSystem {
		t.Fatalf("turn order %+v", sum.Turns)
	}
	if sum.Turns[0].TTSProvider != "static" || sum.Turns[0].Interrupted {
		t.Fatalf("greeting turn %+v", sum.Turns[0])
	}
	if !r.conn.closed() || r.conn.written.Load() == 0 {
		t.Fatalf("conn closed=%v written=%d", r.conn.closed(), r.conn.written.Load())
	}
	call, _ := r.calls.GetCall(r.conn.id)
	if call.Status != types.StatusEnded || call.ControllerState != string(Ended) {
		t.Fatalf("ops call %+v", call)
	}
	if _, n := r.st.Counts(); n != 1 {
		t.Fatalf("summaries = %d", n)
	}
}

func TestBargeInStopsUtterance(t *testing.T) {
	r := newRig(t, func(d *Deps, o *Options) {
		d.Synthesizer = tts.Static{PerWord: 200 * time.Millisecond}
		o.Now = time.Now
		o.FrameInterval = 5 * time.Millisecond
		o.Floor = floor.Params{Grace: 20 * time.Millisecond, Hold: 20 * time.Millisecond, Dropout: 100 * time.Millisecond, MinRMS: 500, MinTokens: 3}
	})

	r.waitFor("speech", func() bool { return r.conn.written.Load() >= 10 })
	loud := make([]byte, audio.Telephony.FrameSize(20)) // zero bytes decode to full scale
	r.rec.events <- stt.Event{Type: stt.EventInterim, Text: "hold on I need", At: time.Now()}
	for i := 0; i < 30 && r.conn.clears.Load() == 0; i++ {
		r.conn.frames <- loud
		time.Sleep(5 * time.Millisecond)
	}
	r.waitFor("clear", func() bool { return r.conn.clears.Load() > 0 })

	turns := r.systemTurns(1)
	if turns[0].Payload["interrupted"] != true {
		t.Fatalf("greeting not marked interrupted: %v", turns[0].Payload)
	}
	if len(r.eventsOf("barge_in")) != 1 {
		t.Fatalf("barge_in events = %d", len(r.eventsOf("barge_in")))
	}

	r.final("hold on I need to cancel my appointment")
	r.systemTurns(2)
	r.conn.callerHangup()
	sum, _ := r.ended()
	if sum.EndReason != EndCallerHangup {
		t.Fatalf("end reason = %s", sum.EndReason)
	}
	if !sum.Turns[0].Interrupted || sum.Turns[1].Speaker != storage.SpeakerCaller {
		t.Fatalf("turns %+v", sum.Turns[:2])
	}
}

func TestGuardWindowIgnoresEcho(t *testing.T) {
	r := newRig(t, func(d *Deps, o *Options) {
		d.Synthesizer = tts.Static{PerWord: 100 * time.Millisecond}
		o.Now = time.Now
		o.FrameInterval = 5 * time.Millisecond
		o.Floor = floor.Params{Grace: 10 * time.Second, Hold: 20 * time.Millisecond, Dropout: 100 * time.Millisecond, MinRMS: 500, MinTokens: 1}
	})
	r.waitFor("speech", func() bool { return r.conn.written.Load() >= 5 })
	loud := make([]byte, audio.Telephony.FrameSize(20))
	r.rec.events <- stt.Event{Type: stt.EventInterim, Text: "thanks for calling", At: time.Now()}
	for i := 0; i < 10; i++ {
		r.conn.frames <- loud
		time.Sleep(5 * time.Millisecond)
	}
	if r.conn.clears.Load() != 0 || len(r.eventsOf("barge_in")) != 0 {
		t.Fatalf("barge-in inside the grace window")
	}
	r.conn.callerHangup()
	r.ended()
}

func TestNoInputRepromptsThenHangsUp(t *testing.T) {
	r := newRig(t, func(d *Deps, o *Options) {
		o.RecognitionTimeout = 30 * time.Millisecond
		o.MaxReprompts = 1
	})
	sum, err := r.ended()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(r.eventsOf("no_input")); n != 2 {
		t.Fatalf("no_input events = %d", n)
	}
	if sum.EndReason != EndCompleted || len(sum.Turns) != 3 {
		t.Fatalf("summary reason=%s turns=%d", sum.EndReason, len(sum.Turns))
	}
}

func TestSynthesisFallbackRecorded(t *testing.T) {
	r := newRig(t, func(d *Deps, o *Options) {
		d.Synthesizer = &tts.Fallback{Primary: brokenSynth{}, Secondary: tts.Static{PerWord: time.Millisecond}, Log: logger.Component(logger.Discard(), "tts")}
	})
	r.systemTurns(1)
	r.conn.callerHangup()
	sum, _ := r.ended()
	first := sum.Turns[0]
	if !first.FellBack || first.TTSProvider != "static" {
		t.Fatalf("greeting turn %+v", first)
	}
	if len(r.eventsOf("tts_fallback")) == 0 {
		t.Fatalf("no fallback event")
	}
	if r.conn.written.Load() == 0 {
		t.Fatalf("caller heard silence")
	}
}

func TestHangupMidFlowAbortsOnce(t *testing.T) {
	r := newRig(t, nil)
	r.systemTurns(1)
	r.final("I need to book a drain cleaning")
	r.systemTurns(2)
	r.conn.callerHangup()
	sum, err := r.ended()
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sum.EndReason != EndCallerHangup || sum.Outcome != "aborted" {
		t.Fatalf("summary reason=%s outcome=%s", sum.EndReason, sum.Outcome)
	}
	if b, n := r.st.Counts(); b != 0 || n != 1 {
		t.Fatalf("bookings=%d summaries=%d", b, n)
	}
	call, _ := r.calls.GetCall(r.conn.id)
	if call.Status != types.StatusEnded || call.Outcome != "aborted" {
		t.Fatalf("ops call %+v", call)
	}
}

func TestTurnBudgetApologizes(t *testing.T) {
	r := newRig(t, func(d *Deps, o *Options) {
		d.Calendar = slowCalendar{calendar.NewMemory()}
		o.TurnBudget = 50 * time.Millisecond
	})
	r.systemTurns(1)
	r.final("Do you have any availability next week?")
	turns := r.systemTurns(2)
	if !strings.HasPrefix(turns[1].Payload["text"].(string), sayStillThere) {
		t.Fatalf("reply = %v", turns[1].Payload["text"])
	}
	sum, _ := r.ended()
	if sum.Outcome != "calendar_unavailable" || sum.EndReason != EndCompleted {
		t.Fatalf("summary outcome=%s reason=%s", sum.Outcome, sum.EndReason)
	}
}

func TestBusinessConfigFailureApologizes(t *testing.T) {
	r := newRig(t, func(d *Deps, o *Options) {
		d.Business = failingBusiness{}
	})
	sum, err := r.ended()
	if err == nil {
		t.Fatalf("expected config error")
	}
	if sum.EndReason != EndConfigFailure {
		t.Fatalf("end reason = %s", sum.EndReason)
	}
	if !r.conn.closed() || r.conn.written.Load() == 0 {
		t.Fatalf("apology not played")
	}
	if len(sum.Turns) != 1 || sum.Turns[0].Text != sayUnavailable {
		t.Fatalf("turns %+v", sum.Turns)
	}
}

func TestSplitSentences(t *testing.T) {
	cases := map[string][]string{
		"":                          nil,
		"Hello.":                    {"Hello."},
		"Booked. Anything else?":    {"Booked.", "Anything else?"},
		"At 10.30 works. Great!":    {"At 10.30 works.", "Great!"},
		"No punctuation at the end": {"No punctuation at the end"},
		"Wait!  Two spaces.":        {"Wait!", "Two spaces."},
	}
	for in, want := range cases {
		got := splitSentences(in)
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("splitSentences(%q) = %q, want %q", in, got, want)
		}
	}
}
