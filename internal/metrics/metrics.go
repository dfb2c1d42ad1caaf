package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvas_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Scene sync metrics
	OutboundWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_scene_outbound_writes_total",
			Help: "Object snapshots written to the shared store",
		},
		[]string{"event"},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_scene_inbound_events_total",
			Help: "Child events received from the shared store",
		},
		[]string{"kind"}, // "added", "changed", "removed"
	)

	EchoSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_scene_echo_suppressed_total",
			Help: "Local events not written back because they came from an inbound apply",
		},
	)

	DroppedWhileEditing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_scene_dropped_while_editing_total",
			Help: "Remote updates dropped because the object was under local edit",
		},
	)

	// Room lifecycle metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	RoomsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_rooms_reaped_total",
			Help: "Total rooms deleted by the reaper",
		},
	)

	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_cleanup_failures_total",
			Help: "Partial cleanup failures",
		},
		[]string{"stage"}, // "meta", "subtree", "hook"
	)

	JoinRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_join_rejected_total",
			Help: "Rejected room joins",
		},
		[]string{"reason"},
	)

	// Session metrics
	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canvas_live_sessions",
			Help: "Websocket sessions currently attached to a room",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
