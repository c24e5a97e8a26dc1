package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildcraft_sync",
			Name:      "published_total",
			Help:      "Local mutations handed to the relay.",
		},
		[]string{"type"},
	)

	publishSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildcraft_sync",
			Name:      "publish_skipped_total",
			Help:      "Local mutations applied without being published.",
		},
		[]string{"reason"},
	)

	appliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildcraft_sync",
			Name:      "applied_total",
			Help:      "Mutations applied to the local store, by origin and outcome.",
		},
		[]string{"origin", "outcome"},
	)

	echoesSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildcraft_sync",
			Name:      "echoes_suppressed_total",
			Help:      "Relay frames dropped because this client sent them.",
		},
	)

	malformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildcraft_sync",
			Name:      "malformed_dropped_total",
			Help:      "Inbound frames that failed validation.",
		},
	)
)
