package stt

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/logger"
)

// Cloud Speech closes streams after about five minutes.
const googleStreamLimit = 290 * time.Second

type GoogleConfig struct {
	CredentialsFile string
	Language        string
	Format          audio.Format
	StreamLimit     time.Duration
}

// Google streams call audio into Cloud Speech StreamingRecognize.
type Google struct {
	client *speech.Client
	cfg    GoogleConfig
	log    *logrus.Entry
}

func NewGoogle(ctx context.Context, cfg GoogleConfig, log *logrus.Entry) (*Google, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Telephony
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.StreamLimit <= 0 {
		cfg.StreamLimit = googleStreamLimit
	}
	if log == nil {
		log = logger.Component(nil, "stt")
	}
	return &Google{client: c, cfg: cfg, log: log}, nil
}

const providerGoogle = "google"

func (g *Google) Name() string { return providerGoogle }

func (g *Google) Close() error { return g.client.Close() }

func (g *Google) streamingConfig() *speechpb.StreamingRecognitionConfig {
	enc := speechpb.RecognitionConfig_MULAW
	if g.cfg.Format.Encoding == audio.EncodingLinear16 {
		enc = speechpb.RecognitionConfig_LINEAR16
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   enc,
			SampleRateHertz:            int32(g.cfg.Format.SampleRate),
			LanguageCode:               g.cfg.Language,
			Model:                      "phone_call",
			UseEnhanced:                true,
			EnableAutomaticPunctuation: true,
		},
		InterimResults: true,
	}
}

func (g *Google) Open(ctx context.Context, callID string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &googleStream{
		g:      g,
		ctx:    ctx,
		cancel: cancel,
		log:    g.log.WithField("call_id", callID),
		sendQ:  make(chan []byte, 16),
		events: make(chan Event, 32),
	}
	if err := s.restart(); err != nil {
		cancel()
		return nil, err
	}
	recognizerActive.WithLabelValues(providerGoogle).Inc()
	go s.run()
	return s, nil
}

type googleStream struct {
	g      *Google
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	sendQ  chan []byte
	events chan Event

	mu       sync.Mutex
	stream   speechpb.Speech_StreamingRecognizeClient
	openedAt time.Time
}

func (s *googleStream) Events() <-chan Event { return s.events }

func (s *googleStream) Close() { s.cancel() }

func (s *googleStream) Send(frame []byte) bool {
	recognizerAudioBytes.WithLabelValues(providerGoogle).Add(float64(len(frame)))
	select {
	case s.sendQ <- frame:
		recognizerFrames.WithLabelValues(providerGoogle, "queued").Inc()
		return true
	default:
		recognizerFrames.WithLabelValues(providerGoogle, "dropped").Inc()
		return false
	}
}

// restart opens a fresh StreamingRecognize call and sends the config frame.
func (s *googleStream) restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		_ = s.stream.CloseSend()
	}
	start := time.Now()
	st, err := s.g.client.StreamingRecognize(s.ctx)
	if err != nil {
		return err
	}
	if err := st.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: s.g.streamingConfig(),
		},
	}); err != nil {
		return err
	}
	recognizerOpenMS.WithLabelValues(providerGoogle).Observe(float64(time.Since(start).Milliseconds()))
	recognizerStreamOpens.WithLabelValues(providerGoogle).Inc()
	s.stream = st
	s.openedAt = time.Now()
	return nil
}

func (s *googleStream) current() (speechpb.Speech_StreamingRecognizeClient, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, s.openedAt
}

func (s *googleStream) run() {
	defer recognizerActive.WithLabelValues(providerGoogle).Dec()
	defer close(s.events)

	go s.pumpAudio()
	for {
		st, _ := s.current()
		resp, err := st.Recv()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Warn("google speech stream ended")
				s.emit(Event{Type: EventError, Text: err.Error(), At: time.Now()})
			}
			// EOF follows a deliberate restart; either way reopen
			if cur, _ := s.current(); cur == st {
				if err := s.restart(); err != nil {
					s.emit(Event{Type: EventError, Text: err.Error(), At: time.Now()})
					select {
					case <-s.ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
			}
			continue
		}
		for _, e := range eventsFromGoogle(resp, time.Now()) {
			s.emit(e)
		}
	}
}

func (s *googleStream) pumpAudio() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.sendQ:
			st, openedAt := s.current()
			if time.Since(openedAt) >= s.g.cfg.StreamLimit {
				if err := s.restart(); err != nil {
					continue
				}
				st, _ = s.current()
			}
			if err := st.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: b},
			}); err != nil && s.ctx.Err() == nil {
				s.log.WithError(err).Debug("google speech send failed")
			}
		}
	}
}

func (s *googleStream) emit(e Event) {
	if e.Type == EventInterim {
		select {
		case s.events <- e:
		default:
			recognizerEventDrops.WithLabelValues(providerGoogle).Inc()
		}
		return
	}
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func eventsFromGoogle(resp *speechpb.StreamingRecognizeResponse, now time.Time) []Event {
	var out []Event
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())
		if text == "" {
			if r.GetIsFinal() {
				recognizerFinals.WithLabelValues(providerGoogle, "empty").Inc()
			}
			continue
		}
		if r.GetIsFinal() {
			recognizerFinals.WithLabelValues(providerGoogle, "provider").Inc()
			out = append(out, Event{Type: EventFinal, Text: text, At: now})
		} else {
			out = append(out, Event{Type: EventInterim, Text: text, At: now})
		}
		// the first result is the most stable one
		break
	}
	return out
}
