package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
)

func result(text string, isFinal, speechFinal bool) []byte {
	var b strings.Builder
	b.WriteString(`{"type":"Results","channel":{"alternatives":[{"transcript":"`)
	b.WriteString(text)
	b.WriteString(`"}]},"is_final":`)
	if isFinal {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteString(`,"speech_final":`)
	if speechFinal {
		b.WriteString("true}")
	} else {
		b.WriteString("false}")
	}
	return []byte(b.String())
}

func TestAssemblerJoinsSegmentsUntilSpeechFinal(t *testing.T) {
	var a assembler
	now := time.Now()
	ev := a.handle(result("i need", false, false), now)
	if len(ev) != 1 || ev[0].Type != EventInterim || ev[0].Text != "i need" {
		t.Fatalf("interim: %+v", ev)
	}
	ev = a.handle(result("i need a plumber", true, false), now)
	if len(ev) != 1 || ev[0].Type != EventInterim || ev[0].Text != "i need a plumber" {
		t.Fatalf("segment: %+v", ev)
	}
	ev = a.handle(result("on friday", false, false), now)
	if len(ev) != 1 || ev[0].Text != "i need a plumber on friday" {
		t.Fatalf("running interim: %+v", ev)
	}
	ev = a.handle(result("on friday", true, true), now)
	if len(ev) != 1 || ev[0].Type != EventFinal || ev[0].Text != "i need a plumber on friday" {
		t.Fatalf("final: %+v", ev)
	}
	// state resets for the next turn
	ev = a.handle([]byte(`{"type":"UtteranceEnd"}`), now)
	if len(ev) != 0 {
		t.Fatalf("expected nothing after reset, got %+v", ev)
	}
}

func TestAssemblerUtteranceEndFallbacks(t *testing.T) {
	var a assembler
	now := time.Now()
	a.handle(result("yes please", false, false), now)
	ev := a.handle([]byte(`{"type":"UtteranceEnd"}`), now)
	if len(ev) != 1 || ev[0].Type != EventFinal || ev[0].Text != "yes please" {
		t.Fatalf("interim fallback: %+v", ev)
	}

	a.handle(result("two pm", true, false), now)
	ev = a.handle([]byte(`{"type":"UtteranceEnd"}`), now)
	if len(ev) != 1 || ev[0].Text != "two pm" {
		t.Fatalf("cached final: %+v", ev)
	}
}

func TestAssemblerIgnoresMetadataAndReportsErrors(t *testing.T) {
	var a assembler
	if ev := a.handle([]byte(`{"type":"Metadata","request_id":"x"}`), time.Now()); len(ev) != 0 {
		t.Fatalf("metadata: %+v", ev)
	}
	if ev := a.handle([]byte(`not json`), time.Now()); len(ev) != 0 {
		t.Fatalf("garbage: %+v", ev)
	}
	ev := a.handle([]byte(`{"type":"Error","message":"bad audio"}`), time.Now())
	if len(ev) != 1 || ev[0].Type != EventError || ev[0].Text != "bad audio" {
		t.Fatalf("error: %+v", ev)
	}
}

func TestDeepgramConnStreamsAudioAndEvents(t *testing.T) {
	gotQuery := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotQuery <- r.URL.RawQuery:
		default:
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := context.Background()
		typ, frame, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary || len(frame) != 160 {
			return
		}
		for _, m := range [][]byte{
			result("i need a", false, false),
			result("i need a plumber", true, false),
			result("tomorrow", true, true),
		} {
			if err := c.Write(ctx, websocket.MessageText, m); err != nil {
				return
			}
		}
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := NewDeepgramConn(ctx, DGConfig{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, "", nil)
	conn.Start()
	if !conn.Send(make([]byte, 160)) {
		t.Fatalf("send should enqueue")
	}

	var final Event
	var interims int
	for final.Type == "" {
		select {
		case e, ok := <-conn.Events():
			if !ok {
				t.Fatalf("events closed early")
			}
			switch e.Type {
			case EventInterim:
				interims++
			case EventFinal:
				final = e
			case EventError:
				t.Fatalf("unexpected error event: %s", e.Text)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for final")
		}
	}
	if final.Text != "i need a plumber tomorrow" || interims != 2 {
		t.Fatalf("final=%q interims=%d", final.Text, interims)
	}
	q := <-gotQuery
	if !strings.Contains(q, "encoding=mulaw") || !strings.Contains(q, "sample_rate=8000") {
		t.Fatalf("query should follow telephony format, got %s", q)
	}

	conn.Close()
	for range conn.Events() {
	}
}

func TestDeepgramRequiresKeyOrURL(t *testing.T) {
	d := NewDeepgram(DGConfig{}, "", nil)
	if _, err := d.Open(context.Background(), "call-1"); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestEventsFromGoogle(t *testing.T) {
	resp := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " cancel my booking "}}, IsFinal: true},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "ignored"}}},
		},
	}
	ev := eventsFromGoogle(resp, time.Now())
	if len(ev) != 1 || ev[0].Type != EventFinal || ev[0].Text != "cancel my booking" {
		t.Fatalf("got %+v", ev)
	}
	resp = &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "can"}}},
		},
	}
	ev = eventsFromGoogle(resp, time.Now())
	if len(ev) != 1 || ev[0].Type != EventInterim {
		t.Fatalf("got %+v", ev)
	}
}

func TestFramesCountedPerProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewDeepgramConn(ctx, DGConfig{}, "key", nil)
	queued := recognizerFrames.WithLabelValues(providerDeepgram, "queued")
	dropped := recognizerFrames.WithLabelValues(providerDeepgram, "dropped")
	other := recognizerFrames.WithLabelValues(providerGoogle, "queued")
	q0, d0, o0 := testutil.ToFloat64(queued), testutil.ToFloat64(dropped), testutil.ToFloat64(other)

	// the queue holds 8 frames and nothing drains it without Start
	for i := 0; i < 10; i++ {
		c.Send(make([]byte, 160))
	}
	if got := testutil.ToFloat64(queued) - q0; got != 8 {
		t.Fatalf("queued = %v, want 8", got)
	}
	if got := testutil.ToFloat64(dropped) - d0; got != 2 {
		t.Fatalf("dropped = %v, want 2", got)
	}
	if testutil.ToFloat64(other) != o0 {
		t.Fatalf("deepgram frames counted under google")
	}
}
