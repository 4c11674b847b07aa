package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bookline/agent/internal/errs"
)

type accepted struct {
	conn *MediaConn
	err  error
}

func mediaServer(t *testing.T, opts AcceptOptions) (*httptest.Server, chan accepted) {
	t.Helper()
	ch := make(chan accepted, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r, opts)
		ch <- accepted{c, err}
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startMsg(callID, token string) Inbound {
	return Inbound{
		Event:     EventStart,
		StreamSid: "MZ1",
		Start: &StartInfo{
			StreamSid:        "MZ1",
			CallSid:          callID,
			CustomParameters: map[string]string{ParamFrom: "+15551234567", ParamToken: token},
			MediaFormat:      MediaFormat{Encoding: MulawContentType, SampleRate: 8000, Channels: 1},
		},
	}
}

func waitAccepted(t *testing.T, ch chan accepted) accepted {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("accept did not return")
	}
	return accepted{}
}

func TestHandshakeAndMedia(t *testing.T) {
	srv, ch := mediaServer(t, AcceptOptions{})
	ws := dial(t, srv)

	sendJSON(t, ws, Inbound{Event: EventConnected, Protocol: "Call", Version: "1.0.0"})
	sendJSON(t, ws, startMsg("CA1", ""))
	a := waitAccepted(t, ch)
	if a.err != nil {
		t.Fatalf("accept: %v", a.err)
	}
	c := a.conn
	if c.CallID() != "CA1" || c.Caller() != "+15551234567" || c.StreamSid() != "MZ1" {
		t.Fatalf("conn identity: %s %s %s", c.CallID(), c.Caller(), c.StreamSid())
	}

	frame := []byte{1, 2, 3, 4}
	sendJSON(t, ws, Inbound{Event: EventMedia, Media: &MediaInfo{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(frame)}})
	select {
	case got := <-c.Frames():
		if string(got) != string(frame) {
			t.Fatalf("frame = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered")
	}

	ctx := context.Background()
	if err := c.Write(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out Outbound
	if err := ws.ReadJSON(&out); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if out.Event != EventMedia || out.StreamSid != "MZ1" || out.Media == nil {
		t.Fatalf("outbound = %+v", out)
	}
	if b, _ := base64.StdEncoding.DecodeString(out.Media.Payload); string(b) != string([]byte{9, 9}) {
		t.Fatalf("payload = %v", b)
	}
	if err := ws.ReadJSON(&out); err != nil || out.Event != EventClear {
		t.Fatalf("expected clear, got %+v (%v)", out, err)
	}

	sendJSON(t, ws, Inbound{Event: EventStop, Stop: &StopInfo{CallSid: "CA1"}})
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not end the connection")
	}
	if _, ok := <-c.Frames(); ok {
		t.Fatalf("frames should be closed")
	}
	if err := c.Write(ctx, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after stop: %v", err)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	srv, ch := mediaServer(t, AcceptOptions{Verify: func(callID, token string) error {
		if token != "good" {
			return errors.New("bad token")
		}
		return nil
	}})
	ws := dial(t, srv)
	sendJSON(t, ws, startMsg("CA2", "bad"))
	a := waitAccepted(t, ch)
	if !errs.IsCode(a.err, errs.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", a.err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
}

func TestHandshakeRequiresStart(t *testing.T) {
	srv, ch := mediaServer(t, AcceptOptions{})
	ws := dial(t, srv)
	sendJSON(t, ws, Inbound{Event: EventMedia, Media: &MediaInfo{Payload: "AAAA"}})
	a := waitAccepted(t, ch)
	if a.err == nil {
		t.Fatalf("expected handshake error")
	}
}

func TestCloseEndsConnection(t *testing.T) {
	srv, ch := mediaServer(t, AcceptOptions{})
	ws := dial(t, srv)
	sendJSON(t, ws, startMsg("CA3", ""))
	a := waitAccepted(t, ch)
	if a.err != nil {
		t.Fatalf("accept: %v", a.err)
	}
	a.conn.Close()
	a.conn.Close()
	select {
	case <-a.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not end the connection")
	}
}

type fakeConn struct {
	id     string
	closed int
}

func (f *fakeConn) CallID() string { return f.id }
func (f *fakeConn) Caller() string { return "" }
func (f *fakeConn) Frames() <-chan []byte { return nil }
func (f *fakeConn) Write(ctx context.Context, b []byte) error { return nil }
func (f *fakeConn) Clear(ctx context.Context) error { return nil }
func (f *fakeConn) Done() <-chan struct{} { return nil }
func (f *fakeConn) Close() error { f.closed++; return nil }

func TestRegistryReplaceAndRemove(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{id: "CA1"}, &fakeConn{id: "CA1"}
	if r.Replace("CA1", a) {
		t.Fatalf("first replace should not close anything")
	}
	if !r.Replace("CA1", b) || a.closed != 1 {
		t.Fatalf("old connection not closed")
	}
	r.Remove("CA1", a) // stale, keeps b
	if r.Get("CA1") != Conn(b) {
		t.Fatalf("stale remove dropped the live connection")
	}
	if err := r.Hangup("CA1"); err != nil || b.closed != 1 {
		t.Fatalf("hangup: %v closed=%d", err, b.closed)
	}
	if err := r.Hangup("nope"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("hangup unknown: %v", err)
	}
	r.Replace("CA0", &fakeConn{id: "CA0"})
	if got := r.List(); len(got) != 2 || got[0] != "CA0" {
		t.Fatalf("list = %v", got)
	}
	if n := r.HangupAll(); n != 2 {
		t.Fatalf("hangup all = %d", n)
	}
	r.Remove("CA1", b)
	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestStreamTwiML(t *testing.T) {
	b, err := StreamTwiML("wss://agent.example.com/media", map[string]string{ParamToken: "t&k", ParamFrom: "+1555"})
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	got := string(b)
	want := `<Response><Connect><Stream url="wss://agent.example.com/media"><Parameter name="from" value="+1555"></Parameter><Parameter name="token" value="t&amp;k"></Parameter></Stream></Connect></Response>`
	if !strings.HasPrefix(got, "<?xml") || !strings.HasSuffix(got, want) {
		t.Fatalf("twiml = %s", got)
	}
	b, _ = RejectTwiML("Sorry.")
	if !strings.Contains(string(b), "<Say>Sorry.</Say><Hangup></Hangup>") {
		t.Fatalf("reject = %s", b)
	}
}

func TestMediaURL(t *testing.T) {
	cases := map[string]string{
		"https://agent.example.com": "wss://agent.example.com/media",
		"http://localhost:8080/":    "ws://localhost:8080/media",
		"https://example.com/voice": "wss://example.com/voice/media",
		"":                          "wss://localhost/media",
	}
	for in, want := range cases {
		if got := MediaURL(in, "/media"); got != want {
			t.Errorf("MediaURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInboundDecodesCarrierJSON(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ9","callSid":"CA9","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"from":"+1"}},"streamSid":"MZ9"}`
	var m Inbound
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Start == nil || m.Start.CallSid != "CA9" || m.Start.MediaFormat.SampleRate != 8000 || m.Start.CustomParameters[ParamFrom] != "+1" {
		t.Fatalf("start = %+v", m.Start)
	}
}
