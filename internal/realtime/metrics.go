package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invite_ws_rooms_active",
			Help: "Number of channels with at least one joined session",
		},
	)

	sessionsJoined = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invite_ws_room_memberships",
			Help: "Number of (session, channel) memberships",
		},
	)

	framesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invite_ws_frames_delivered_total",
			Help: "Total number of frames queued to sessions",
		},
		[]string{"type"},
	)

	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invite_ws_frames_dropped_total",
			Help: "Total number of frames dropped because a session buffer was full",
		},
		[]string{"type"},
	)
)
