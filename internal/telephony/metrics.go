package telephony

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mediaConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_connections",
		Help: "Live media stream connections",
	})

	mediaHandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_handshake_failures_total",
		Help: "Media stream connections rejected before start, by reason",
	}, []string{"reason"})

	mediaFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_frames_in_total",
		Help: "Inbound caller audio frames",
	})

	mediaFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_frames_dropped_total",
		Help: "Inbound frames dropped because the consumer fell behind",
	})

	mediaFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_frames_out_total",
		Help: "Outbound audio frames written to the carrier",
	})
)
