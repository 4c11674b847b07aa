package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bookline/agent/internal/auth"
	"bookline/agent/internal/config"
	"bookline/agent/internal/errs"
	"bookline/agent/internal/health"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/store"
	"bookline/agent/internal/telephony"
	"bookline/agent/internal/types"
)

// tokenSkew is the clock drift tolerated between token issue and stream start.
const tokenSkew = 30 * time.Second

// CallHandler runs one call over an accepted media connection.
type CallHandler interface {
	Handle(ctx context.Context, conn telephony.Conn) error
}

type Handlers struct {
	cfg    config.Config
	calls  *store.Store
	media  *telephony.Registry
	ctrl   CallHandler
	health *health.Checker
	log    *logrus.Logger
	now    func() time.Time
}

func NewHandlers(cfg config.Config, calls *store.Store, media *telephony.Registry, ctrl CallHandler, checker *health.Checker, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logger.Discard()
	}
	if checker == nil {
		checker = health.NewChecker(0, 0)
	}
	return &Handlers{cfg: cfg, calls: calls, media: media, ctrl: ctrl, health: checker, log: log, now: time.Now}
}

type apiError struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	var e *errs.Error
	if errors.As(err, &e) {
		c.JSON(status, apiError{Code: e.Code, Message: e.Message})
		return
	}
	c.JSON(status, apiError{Code: errs.CodeInternal, Message: http.StatusText(status)})
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) Readyz(c *gin.Context) {
	st := h.health.Status(c.Request.Context())
	status := http.StatusOK
	if !st.OK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, st)
}

// Incoming answers the carrier's voice webhook with TwiML that connects the
// call to the media endpoint.
func (h *Handlers) Incoming(c *gin.Context) {
	const op = "api.Incoming"
	callID := c.PostForm("CallSid")
	from := c.PostForm("From")
	if callID == "" {
		writeError(c, errs.E(errs.CodeInvalidArgument, op, "missing CallSid", nil))
		return
	}
	log := h.log.WithFields(logrus.Fields{"component": "api", "call_id": callID})

	token, err := auth.IssueMediaToken(h.cfg.Auth.MediaSecret, callID, h.now(), h.cfg.Auth.MediaTokenTTL)
	if err != nil {
		log.WithError(err).Error("issue media token")
		doc, _ := telephony.RejectTwiML("Sorry, we can't take your call right now. Goodbye.")
		h.twiml(c, doc)
		return
	}
	if err := h.calls.CreateCall(types.Call{ID: callID, Caller: from, Status: types.StatusRinging}); err != nil {
		log.WithError(err).Warn("incoming webhook for a live call")
	} else {
		h.calls.AppendEvent(callID, "incoming", map[string]any{"from": from})
	}

	params := map[string]string{telephony.ParamToken: token}
	if from != "" {
		params[telephony.ParamFrom] = from
	}
	doc, err := telephony.StreamTwiML(telephony.MediaURL(h.cfg.Server.PublicBaseURL, "/media"), params)
	if err != nil {
		writeError(c, errs.E(errs.CodeInternal, op, "build twiml", err))
		return
	}
	log.WithField("from", from).Info("incoming call")
	h.twiml(c, doc)
}

func (h *Handlers) twiml(c *gin.Context, doc []byte) {
	c.Data(http.StatusOK, "application/xml", doc)
}

// Media accepts the carrier's media stream and runs the call on it. The
// handler returns when the call ends.
func (h *Handlers) Media(c *gin.Context) {
	secret := h.cfg.Auth.MediaSecret
	conn, err := telephony.Accept(c.Writer, c.Request, telephony.AcceptOptions{
		Verify: func(callID, token string) error {
			_, err := auth.ValidateMediaToken(secret, token, callID, h.now(), tokenSkew)
			return err
		},
		Log: h.log,
	})
	if err != nil {
		// the upgrade has answered the request already
		h.log.WithError(err).WithField("component", "api").Warn("media stream rejected")
		return
	}
	if err := h.ctrl.Handle(c.Request.Context(), conn); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"component": "api", "call_id": conn.CallID()}).Warn("call ended with error")
	}
}

func (h *Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.calls.ListCalls(), "live": h.calls.Live()})
}

func (h *Handlers) GetCall(c *gin.Context) {
	call, ok := h.calls.GetCall(c.Param("id"))
	if !ok {
		writeError(c, errs.E(errs.CodeNotFound, "api.GetCall", "unknown call", nil))
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h *Handlers) ListEvents(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.calls.GetCall(id); !ok {
		writeError(c, errs.E(errs.CodeNotFound, "api.ListEvents", "unknown call", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": id, "events": h.calls.ListEvents(id)})
}

func (h *Handlers) Hangup(c *gin.Context) {
	id := c.Param("id")
	if err := h.media.Hangup(id); err != nil {
		writeError(c, err)
		return
	}
	h.calls.AppendEvent(id, "hangup_requested", nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// MediaToken mints a fresh stream token for a known call, for a reconnect
// or a simulated carrier.
func (h *Handlers) MediaToken(c *gin.Context) {
	const op = "api.MediaToken"
	id := c.Param("id")
	if _, ok := h.calls.GetCall(id); !ok {
		writeError(c, errs.E(errs.CodeNotFound, op, "unknown call", nil))
		return
	}
	now := h.now()
	token, err := auth.IssueMediaToken(h.cfg.Auth.MediaSecret, id, now, h.cfg.Auth.MediaTokenTTL)
	if err != nil {
		writeError(c, errs.E(errs.CodeUnavailable, op, "media tokens are not configured", err))
		return
	}
	h.calls.AppendEvent(id, "media_token_issued", nil)
	c.JSON(http.StatusOK, gin.H{
		"call_id":    id,
		"token":      token,
		"expires_at": now.Add(h.cfg.Auth.MediaTokenTTL).UTC(),
		"stream_url": telephony.MediaURL(h.cfg.Server.PublicBaseURL, "/media"),
	})
}
