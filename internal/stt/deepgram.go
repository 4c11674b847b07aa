package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/logger"
)

type DGConfig struct {
	Model         string
	Language      string
	EndpointingMs int
	UtterEndMs    int
	BaseURL       string
	SocketMaxAgeS int
	Format        audio.Format
}

// Deepgram opens one live websocket per call.
type Deepgram struct {
	cfg    DGConfig
	apiKey string
	log    *logrus.Entry
}

func NewDeepgram(cfg DGConfig, apiKey string, log *logrus.Entry) *Deepgram {
	if log == nil {
		log = logger.Component(nil, "stt")
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Telephony
	}
	return &Deepgram{cfg: cfg, apiKey: apiKey, log: log}
}

const providerDeepgram = "deepgram"

func (d *Deepgram) Name() string { return providerDeepgram }

func (d *Deepgram) Open(ctx context.Context, callID string) (Stream, error) {
	if d.apiKey == "" && d.cfg.BaseURL == "" {
		return nil, errors.New("deepgram: missing api key")
	}
	c := NewDeepgramConn(ctx, d.cfg, d.apiKey, d.log.WithField("call_id", callID))
	c.Start()
	return c, nil
}

// DeepgramConn maintains a single live websocket connection to Deepgram
// for a call, sending telephony audio and receiving transcript events.
type DeepgramConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	apiKey string
	url    string

	// Outbound audio queue; drop-latest on pressure
	sendQ  chan []byte
	events chan Event

	// Backoff/circuit
	fails   []time.Time
	circuit time.Time
	maxAge  time.Duration

	asm assembler
}

var errRotate = errors.New("rotate")

func NewDeepgramConn(parent context.Context, cfg DGConfig, apiKey string, log *logrus.Entry) *DeepgramConn {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Telephony
	}
	q := url.Values{}
	q.Set("model", orDefault(cfg.Model, "nova-2-phonecall"))
	q.Set("language", orDefault(cfg.Language, "en-US"))
	q.Set("smart_format", "true")
	q.Set("endpointing", fmt.Sprintf("%d", nzd(cfg.EndpointingMs, 800)))
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", fmt.Sprintf("%d", nzd(cfg.UtterEndMs, 1200)))
	q.Set("vad_events", "true")
	q.Set("encoding", cfg.Format.Encoding)
	q.Set("sample_rate", fmt.Sprintf("%d", cfg.Format.SampleRate))
	q.Set("channels", "1")
	base := cfg.BaseURL
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	if log == nil {
		log = logger.Component(nil, "stt")
	}
	return &DeepgramConn{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		apiKey: apiKey,
		url:    base + "?" + q.Encode(),
		sendQ:  make(chan []byte, 8),
		events: make(chan Event, 32),
		maxAge: time.Duration(nzd(cfg.SocketMaxAgeS, 900)) * time.Second,
	}
}

func (d *DeepgramConn) Start() {
	recognizerActive.WithLabelValues(providerDeepgram).Inc()
	go d.run()
}

func (d *DeepgramConn) Close() { d.cancel() }

func (d *DeepgramConn) Events() <-chan Event { return d.events }

func (d *DeepgramConn) Send(frame []byte) bool {
	recognizerAudioBytes.WithLabelValues(providerDeepgram).Add(float64(len(frame)))
	select {
	case d.sendQ <- frame:
		recognizerFrames.WithLabelValues(providerDeepgram, "queued").Inc()
		recognizerQueueDepth.WithLabelValues(providerDeepgram).Set(float64(len(d.sendQ)))
		return true
	default:
		recognizerFrames.WithLabelValues(providerDeepgram, "dropped").Inc()
		return false
	}
}

func (d *DeepgramConn) run() {
	defer recognizerActive.WithLabelValues(providerDeepgram).Dec()
	defer close(d.events)
	for {
		err := d.connectAndPump()
		if d.ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, errRotate) {
			d.addFailure()
			d.log.WithError(err).Warn("deepgram connection failed")
			d.emit(Event{Type: EventError, Text: err.Error(), At: time.Now()})
		} else {
			d.resetFailures()
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.nextBackoff()):
		}
	}
}

func (d *DeepgramConn) connectAndPump() error {
	if time.Now().Before(d.circuit) {
		return fmt.Errorf("circuit open")
	}

	hdr := make(http.Header)
	if d.apiKey != "" {
		hdr.Set("Authorization", "Token "+d.apiKey)
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	ws, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return err
	}
	d.log.WithField("connect_ms", time.Since(start).Milliseconds()).Debug("deepgram connected")
	recognizerOpenMS.WithLabelValues(providerDeepgram).Observe(float64(time.Since(start).Milliseconds()))
	recognizerStreamOpens.WithLabelValues(providerDeepgram).Inc()
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	pumpCtx, stopPump := context.WithCancel(d.ctx)
	defer stopPump()
	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case b := <-d.sendQ:
				if len(b) == 0 {
					continue
				}
				wctx, cancel := context.WithTimeout(pumpCtx, 5*time.Second)
				err := ws.Write(wctx, websocket.MessageBinary, b)
				cancel()
				if err != nil {
					if pumpCtx.Err() == nil {
						d.log.WithError(err).Warn("deepgram write failed")
					}
					stopPump()
					return
				}
			}
		}
	}()

	var rotate <-chan time.Time
	if d.maxAge > 0 {
		t := time.NewTimer(d.maxAge)
		defer t.Stop()
		rotate = t.C
	}

	for {
		select {
		case <-rotate:
			return errRotate
		default:
		}
		_, data, err := ws.Read(pumpCtx)
		if err != nil {
			if d.ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, e := range d.asm.handle(data, time.Now()) {
			d.emit(e)
		}
	}
}

// emit never blocks on interim events; finals and errors wait for the
// consumer until the connection is closed.
func (d *DeepgramConn) emit(e Event) {
	if e.Type == EventInterim {
		select {
		case d.events <- e:
		default:
			recognizerEventDrops.WithLabelValues(providerDeepgram).Inc()
		}
		return
	}
	select {
	case d.events <- e:
	case <-d.ctx.Done():
	}
}

func (d *DeepgramConn) addFailure() {
	d.fails = append(d.fails, time.Now())
	cutoff := time.Now().Add(-60 * time.Second)
	j := 0
	for _, t := range d.fails {
		if t.After(cutoff) {
			d.fails[j] = t
			j++
		}
	}
	d.fails = d.fails[:j]
	if len(d.fails) >= 3 {
		d.circuit = time.Now().Add(30 * time.Second)
		recognizerCircuitOpens.WithLabelValues(providerDeepgram).Inc()
	}
}

func (d *DeepgramConn) resetFailures() { d.fails = nil }

func (d *DeepgramConn) nextBackoff() time.Duration {
	n := len(d.fails)
	if n <= 0 {
		return 250 * time.Millisecond
	}
	if n > 5 {
		n = 5
	}
	base := time.Duration(1<<uint(n-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base
}

// assembler turns Deepgram result frames into one final per caller turn.
// is_final segments accumulate until speech_final or UtteranceEnd.
type assembler struct {
	segments    []string
	lastInterim string
}

func (a *assembler) text(extra string) string {
	parts := append([]string(nil), a.segments...)
	if extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, " ")
}

func (a *assembler) reset() {
	a.segments = nil
	a.lastInterim = ""
}

func (a *assembler) handle(data []byte, now time.Time) []Event {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	typ := toString(m["type"])
	switch {
	case strings.EqualFold(typ, "Error") || m["error"] != nil:
		msg := toString(m["error"])
		if msg == "" {
			msg = toString(m["message"])
		}
		if msg == "" {
			msg = "provider_error"
		}
		return []Event{{Type: EventError, Text: msg, At: now}}

	case strings.EqualFold(typ, "Metadata"):
		return nil

	case strings.EqualFold(typ, "SpeechStarted"):
		recognizerBoundaries.WithLabelValues(providerDeepgram, "speech_started").Inc()
		return nil

	case strings.EqualFold(typ, "UtteranceEnd"):
		recognizerBoundaries.WithLabelValues(providerDeepgram, "utterance_end").Inc()
		defer a.reset()
		if len(a.segments) > 0 {
			recognizerFinals.WithLabelValues(providerDeepgram, "provider_cached").Inc()
			return []Event{{Type: EventFinal, Text: a.text(""), At: now}}
		}
		if a.lastInterim != "" {
			recognizerFinals.WithLabelValues(providerDeepgram, "interim_fallback").Inc()
			return []Event{{Type: EventFinal, Text: a.lastInterim, At: now}}
		}
		recognizerFinals.WithLabelValues(providerDeepgram, "empty").Inc()
		return nil

	case strings.EqualFold(typ, "Results") || m["channel"] != nil:
		text := transcriptOf(m)
		isFinal := toBool(m["is_final"])
		speechFinal := toBool(m["speech_final"])
		if isFinal && text != "" {
			a.segments = append(a.segments, text)
		}
		if speechFinal {
			defer a.reset()
			if len(a.segments) == 0 {
				recognizerFinals.WithLabelValues(providerDeepgram, "empty").Inc()
				return nil
			}
			recognizerFinals.WithLabelValues(providerDeepgram, "provider").Inc()
			return []Event{{Type: EventFinal, Text: a.text(""), At: now}}
		}
		if text == "" {
			return nil
		}
		if isFinal {
			a.lastInterim = ""
			return []Event{{Type: EventInterim, Text: a.text(""), At: now}}
		}
		a.lastInterim = a.text(text)
		return []Event{{Type: EventInterim, Text: a.lastInterim, At: now}}
	}
	return nil
}

// Deepgram puts alternatives under "channel", not "results".
func transcriptOf(m map[string]any) string {
	channel, _ := m["channel"].(map[string]any)
	if channel == nil {
		return ""
	}
	alts, _ := channel["alternatives"].([]any)
	if len(alts) == 0 {
		return ""
	}
	a0, _ := alts[0].(map[string]any)
	return strings.TrimSpace(toString(a0["transcript"]))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nzd(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
