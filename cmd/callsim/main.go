// callsim plays the carrier side of one call against a running server: it
// posts the voice webhook, dials the media stream it is given and streams
// caller audio, printing what the server sends back.
package main

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"bookline/agent/internal/audio"
	"bookline/agent/internal/telephony"
)

type twiml struct {
	Stream struct {
		URL    string `xml:"url,attr"`
		Params []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"Parameter"`
	} `xml:"Connect>Stream"`
	Say string `xml:"Say"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Server base URL for the voice webhook")
	mediaURL := flag.String("media", "", "Override the media stream URL from the TwiML")
	callID := flag.String("call", "CAsim"+time.Now().Format("150405"), "Call SID")
	from := flag.String("from", "+15550100000", "Caller number")
	file := flag.String("audio", "", "Raw 8kHz mu-law file to play as the caller (silence if empty)")
	length := flag.Duration("duration", 30*time.Second, "How long to stay on the call")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *length)
	defer cancel()

	var caller []byte
	if *file != "" {
		b, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("read audio: %v", err)
		}
		caller = b
	}

	doc, err := incoming(ctx, *server, *callID, *from)
	if err != nil {
		log.Fatalf("voice webhook: %v", err)
	}
	if doc.Stream.URL == "" {
		log.Fatalf("call rejected: %s", doc.Say)
	}
	params := map[string]string{}
	for _, p := range doc.Stream.Params {
		params[p.Name] = p.Value
	}
	target := doc.Stream.URL
	if *mediaURL != "" {
		target = *mediaURL
	}

	ws, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", target, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")
	ws.SetReadLimit(1 << 20)

	streamSid := "MZ" + *callID
	fmt.Printf("=== call %s -> %s ===\n", *callID, target)
	send(ctx, ws, telephony.Inbound{Event: telephony.EventConnected, Protocol: "Call", Version: "1.0.0"})
	send(ctx, ws, telephony.Inbound{
		Event:          telephony.EventStart,
		SequenceNumber: "1",
		StreamSid:      streamSid,
		Start: &telephony.StartInfo{
			StreamSid:        streamSid,
			AccountSid:       "ACsim",
			CallSid:          *callID,
			Tracks:           []string{"inbound"},
			CustomParameters: params,
			MediaFormat:      telephony.MediaFormat{Encoding: telephony.MulawContentType, SampleRate: 8000, Channels: 1},
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(ctx, ws, streamSid)
	}()

	stream(ctx, ws, streamSid, caller)
	send(context.Background(), ws, telephony.Inbound{Event: telephony.EventStop, StreamSid: streamSid, Stop: &telephony.StopInfo{CallSid: *callID}})
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func incoming(ctx context.Context, server, callID, from string) (twiml, error) {
	form := url.Values{"CallSid": {callID}, "From": {from}, "To": {"+15550199999"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/voice/incoming", strings.NewReader(form.Encode()))
	if err != nil {
		return twiml{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return twiml{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return twiml{}, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var doc twiml
	if err := xml.Unmarshal(body, &doc); err != nil {
		return twiml{}, fmt.Errorf("decode twiml: %w", err)
	}
	return doc, nil
}

func send(ctx context.Context, ws *websocket.Conn, m telephony.Inbound) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, ws, m); err != nil && ctx.Err() == nil {
		log.Printf("send %s: %v", m.Event, err)
	}
}

// stream sends caller audio in real time and then silence until ctx ends.
func stream(ctx context.Context, ws *websocket.Conn, streamSid string, caller []byte) {
	size := audio.Telephony.FrameSize(20)
	frames := audio.Frames(caller, size)
	silence := audio.Telephony.Silence(size)
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for seq, chunk := 2, 0; ; seq, chunk = seq+1, chunk+1 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		frame := silence
		if chunk < len(frames) {
			frame = frames[chunk]
		}
		send(ctx, ws, telephony.Inbound{
			Event:          telephony.EventMedia,
			SequenceNumber: strconv.Itoa(seq),
			StreamSid:      streamSid,
			Media: &telephony.MediaInfo{
				Track:     "inbound",
				Chunk:     strconv.Itoa(chunk + 1),
				Timestamp: strconv.Itoa(chunk * 20),
				Payload:   base64.StdEncoding.EncodeToString(frame),
			},
		})
	}
}

// receive prints outbound events. Marks are echoed back the way the carrier
// does once playback reaches them.
func receive(ctx context.Context, ws *websocket.Conn, streamSid string) {
	var frames int
	flush := func() {
		if frames > 0 {
			fmt.Printf("[audio] %d frames (%.1fs)\n", frames, float64(frames)*0.02)
			frames = 0
		}
	}
	defer flush()
	for {
		var m telephony.Outbound
		if err := wsjson.Read(ctx, ws, &m); err != nil {
			if s := websocket.CloseStatus(err); s != -1 {
				fmt.Printf("[closed] %v\n", s)
			}
			return
		}
		switch m.Event {
		case telephony.EventMedia:
			frames++
		case telephony.EventClear:
			flush()
			fmt.Println("[clear] playback cleared (barge-in)")
		case telephony.EventMark:
			flush()
			if m.Mark == nil {
				continue
			}
			fmt.Printf("[mark] %s\n", m.Mark.Name)
			send(ctx, ws, telephony.Inbound{Event: telephony.EventMark, StreamSid: streamSid, Mark: &telephony.MarkInfo{Name: m.Mark.Name}})
		default:
			fmt.Printf("[event] %s\n", m.Event)
		}
	}
}
