package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/bizconfig"
	"bookline/agent/internal/booking"
	"bookline/agent/internal/calendar"
	"bookline/agent/internal/datetime"
	"bookline/agent/internal/floor"
	"bookline/agent/internal/intent"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/storage"
	"bookline/agent/internal/store"
	"bookline/agent/internal/stt"
	"bookline/agent/internal/telephony"
	"bookline/agent/internal/tts"
)

// State is the turn controller state of one call.
type State string

const (
	Idle                  State = "IDLE"
	ListeningForCaller    State = "LISTENING_FOR_CALLER"
	SpeakingSystem        State = "SPEAKING_SYSTEM"
	SpeakingInterruptible State = "SPEAKING_INTERRUPTIBLE"
	Ended                 State = "ENDED"
)

// Call end reasons recorded in the summary.
const (
	EndCompleted     = "completed"
	EndCallerHangup  = "caller_hangup"
	EndShutdown      = "shutdown"
	EndConfigFailure = "business_config_unavailable"
	EndSTTFailure    = "recognizer_unavailable"
)

// ClassifierFactory builds the intent classifier of one call from the
// business snapshot loaded for it.
type ClassifierFactory func(snap bizconfig.Snapshot, res *datetime.Resolver) intent.Classifier

// Deps are the collaborators shared by every call.
type Deps struct {
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Business    bizconfig.Provider
	Calendar    calendar.Calendar
	Storage     storage.Store
	Classifier  ClassifierFactory // nil uses the rule classifier

	Calls *store.Store        // ops mirror, optional
	Media *telephony.Registry // optional
}

type Options struct {
	Floor  floor.Params
	Format audio.Format // inbound caller audio
	// FrameInterval paces outbound frames; 20ms frames play in real time.
	FrameInterval      time.Duration
	RecognitionTimeout time.Duration
	TurnBudget         time.Duration
	SynthesisTimeout   time.Duration
	MaxReprompts       int
	Booking            booking.Options
	FlushTimeout       time.Duration
	PlayoutTimeout     time.Duration // wait for the carrier to finish the last words
	Now                func() time.Time
	Log                *logrus.Logger
}

func (o *Options) defaults() {
	if o.Floor == (floor.Params{}) {
		o.Floor = floor.DefaultParams()
	}
	if o.Format.SampleRate == 0 {
		o.Format = audio.Telephony
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = 20 * time.Millisecond
	}
	if o.RecognitionTimeout <= 0 {
		o.RecognitionTimeout = 8 * time.Second
	}
	if o.TurnBudget <= 0 {
		o.TurnBudget = 25 * time.Second
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = 15 * time.Second
	}
	if o.MaxReprompts <= 0 {
		o.MaxReprompts = 2
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.PlayoutTimeout <= 0 {
		o.PlayoutTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Controller runs calls. One Controller serves every call of the process;
// all per-call state lives in the call it creates for each Handle.
type Controller struct {
	deps Deps
	opts Options
	log  *logrus.Entry
}

func New(deps Deps, opts Options) *Controller {
	opts.defaults()
	if deps.Classifier == nil {
		deps.Classifier = func(snap bizconfig.Snapshot, res *datetime.Resolver) intent.Classifier {
			return intent.NewRules(snap, res)
		}
	}
	return &Controller{deps: deps, opts: opts, log: logger.Component(opts.Log, "orch")}
}

// Handle runs one call until it ends. It returns once every sub-flow of
// the call has stopped and the summary has been flushed.
func (c *Controller) Handle(ctx context.Context, conn telephony.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	metricActiveCalls.Inc()
	defer metricActiveCalls.Dec()
	return newCall(c, conn, cancel).run(ctx)
}
