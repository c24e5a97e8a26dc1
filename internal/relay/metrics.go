package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildcraft_relay",
			Name:      "peers",
			Help:      "Connected peers across all rooms.",
		},
	)

	roomsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildcraft_relay",
			Name:      "rooms",
			Help:      "Rooms held in memory.",
		},
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildcraft_relay",
			Name:      "frames_total",
			Help:      "Build frames fanned out, by type.",
		},
		[]string{"type"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildcraft_relay",
			Name:      "rejected_total",
			Help:      "Inbound frames rejected, by error code.",
		},
		[]string{"code"},
	)

	slowPeerDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildcraft_relay",
			Name:      "slow_peer_drops_total",
			Help:      "Frames not delivered because a peer's queue was full.",
		},
	)
)
