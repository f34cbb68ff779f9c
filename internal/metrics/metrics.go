// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "omnibot"

var (
	// OpenHandles is the number of sessions holding an agent handle.
	OpenHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_handles",
		Help:      "Sessions currently holding an agent session handle.",
	})

	// TurnsTotal counts finished turns by outcome (result, error).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Agent turns by terminal outcome.",
	}, []string{"outcome"})

	// TurnDuration observes turn wall-clock time.
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "Wall-clock duration of agent turns.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// PromptsTotal counts prompt resolutions by kind and outcome.
	PromptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prompts_total",
		Help:      "Interactive prompts by kind and resolution.",
	}, []string{"kind", "outcome"})

	// DraftPromotions counts drafts promoted to persisted sessions.
	DraftPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "draft_promotions_total",
		Help:      "Draft sessions promoted on their first turn.",
	})

	// CapacityRejections counts create/fork calls refused by the cap.
	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_rejections_total",
		Help:      "Session creations refused because the concurrency cap was reached.",
	})

	// GatewayConnections is the number of open WebSocket connections.
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_connections",
		Help:      "Open realtime gateway connections.",
	})

	// GatewayDropped counts outbound frames dropped on full buffers.
	GatewayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_dropped_frames_total",
		Help:      "Outbound frames dropped because a client send buffer was full.",
	})
)
