package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bookline/agent/internal/errs"
	"bookline/agent/internal/logger"
)

// Conn is one live call's audio transport.
type Conn interface {
	CallID() string
	Caller() string
	// Frames delivers inbound caller audio. Closed when the call ends.
	Frames() <-chan []byte
	Write(ctx context.Context, frame []byte) error
	// Clear drops any audio the carrier has buffered for playback.
	Clear(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

// PlaybackTracker is implemented by transports that echo a named mark once
// the audio written before it has been played to the caller.
type PlaybackTracker interface {
	Mark(ctx context.Context, name string) error
	Marks() <-chan string
}

var ErrClosed = errors.New("media connection closed")

type AcceptOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	FrameBuffer      int
	// Verify checks the stream token against the call; nil accepts any.
	Verify func(callID, token string) error
	Log    *logrus.Logger
}

func (o *AcceptOptions) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 256
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MediaConn is a Media Streams websocket after the start handshake.
type MediaConn struct {
	ws        *websocket.Conn
	log       *logrus.Entry
	callID    string
	streamSid string
	caller    string
	format    MediaFormat
	wto       time.Duration

	wmu    sync.Mutex
	frames chan []byte
	marks  chan string
	done   chan struct{}

	closeOnce sync.Once
	endOnce   sync.Once
}

// Accept upgrades the request and blocks until the carrier's start message
// arrives and its token verifies.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*MediaConn, error) {
	const op = "telephony.Accept"
	opts.defaults()
	log := logger.Component(opts.Log, "media")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		mediaHandshakeFailures.WithLabelValues("upgrade").Inc()
		return nil, errs.E(errs.CodeInvalidArgument, op, "websocket upgrade failed", err)
	}

	start, err := awaitStart(ws, opts.HandshakeTimeout)
	if err != nil {
		mediaHandshakeFailures.WithLabelValues("start").Inc()
		reject(ws, websocket.CloseProtocolError, "expected start")
		return nil, errs.E(errs.CodeInvalidArgument, op, "no start message", err)
	}
	if opts.Verify != nil {
		if err := opts.Verify(start.CallSid, start.CustomParameters[ParamToken]); err != nil {
			mediaHandshakeFailures.WithLabelValues("token").Inc()
			reject(ws, websocket.ClosePolicyViolation, "invalid token")
			return nil, errs.E(errs.CodeUnauthorized, op, "invalid stream token", err)
		}
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &MediaConn{
		ws:        ws,
		callID:    start.CallSid,
		streamSid: start.StreamSid,
		caller:    start.CustomParameters[ParamFrom],
		format:    start.MediaFormat,
		wto:       opts.WriteTimeout,
		frames:    make(chan []byte, opts.FrameBuffer),
		marks:     make(chan string, 16),
		done:      make(chan struct{}),
	}
	c.log = log.WithFields(logrus.Fields{"call_id": c.callID, "stream_sid": c.streamSid})
	mediaConnections.Inc()
	c.log.WithField("encoding", c.format.Encoding).Info("media stream started")
	go c.readLoop()
	return c, nil
}

func awaitStart(ws *websocket.Conn, timeout time.Duration) (*StartInfo, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		var m Inbound
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		switch m.Event {
		case EventConnected:
			continue
		case EventStart:
			if m.Start == nil || m.Start.CallSid == "" {
				return nil, errors.New("start without call sid")
			}
			if m.Start.StreamSid == "" {
				m.Start.StreamSid = m.StreamSid
			}
			return m.Start, nil
		default:
			return nil, errors.New("unexpected event before start: " + m.Event)
		}
	}
}

func reject(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

func (c *MediaConn) CallID() string { return c.callID }
func (c *MediaConn) Caller() string { return c.caller }
func (c *MediaConn) StreamSid() string { return c.streamSid }
func (c *MediaConn) Format() MediaFormat { return c.format }
func (c *MediaConn) Frames() <-chan []byte { return c.frames }
func (c *MediaConn) Done() <-chan struct{} { return c.done }
func (c *MediaConn) Marks() <-chan string { return c.marks }

func (c *MediaConn) readLoop() {
	defer c.end()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.log.WithError(err).Debug("media read ended")
				}
			}
			return
		}
		var m Inbound
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.WithError(err).Warn("bad media message")
			continue
		}
		switch m.Event {
		case EventMedia:
			if m.Media == nil || (m.Media.Track != "" && m.Media.Track != "inbound") {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(m.Media.Payload)
			if err != nil || len(frame) == 0 {
				continue
			}
			mediaFramesIn.Inc()
			select {
			case c.frames <- frame:
			default:
				mediaFramesDropped.Inc()
			}
		case EventMark:
			if m.Mark != nil {
				select {
				case c.marks <- m.Mark.Name:
				default:
				}
			}
		case EventStop:
			c.log.Info("media stream stopped by carrier")
			return
		}
	}
}

// end runs once, from the reader goroutine, which is the only sender on
// frames.
func (c *MediaConn) end() {
	c.endOnce.Do(func() {
		mediaConnections.Dec()
		close(c.frames)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *MediaConn) send(ctx context.Context, m Outbound) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.wto)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Write sends one frame of outbound audio.
func (c *MediaConn) Write(ctx context.Context, frame []byte) error {
	err := c.send(ctx, Outbound{
		Event:     EventMedia,
		StreamSid: c.streamSid,
		Media:     &OutboundMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
	if err == nil {
		mediaFramesOut.Inc()
	}
	return err
}

func (c *MediaConn) Clear(ctx context.Context) error {
	return c.send(ctx, Outbound{Event: EventClear, StreamSid: c.streamSid})
}

func (c *MediaConn) Mark(ctx context.Context, name string) error {
	return c.send(ctx, Outbound{Event: EventMark, StreamSid: c.streamSid, Mark: &MarkInfo{Name: name}})
}

// Close sends a normal close frame. The reader goroutine observes the
// closed socket and finishes the connection.
func (c *MediaConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}
