package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log))

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// carrier
	r.POST("/voice/incoming", h.Incoming)
	r.GET("/media", h.Media)

	// ops
	calls := r.Group("/calls")
	calls.GET("", h.ListCalls)
	calls.GET("/:id", h.GetCall)
	calls.GET("/:id/events", h.ListEvents)
	calls.POST("/:id/hangup", h.Hangup)
	calls.POST("/:id/media-token", h.MediaToken)

	return r
}

func requestLogger(l *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-Id", reqID)
		c.Set("request_id", reqID)

		c.Next()

		status := c.Writer.Status()
		entry := l.WithFields(logrus.Fields{
			"component":  "api",
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.ClientIP(),
		})
		if id := c.Param("id"); id != "" {
			entry = entry.WithField("call_id", id)
		}
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		case c.FullPath() == "/healthz" || c.FullPath() == "/metrics":
			entry.Debug("request")
		default:
			entry.Info("request")
		}
	}
}
