package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the classroom control plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: classroom (application-level grouping)
// - subsystem: websocket, meeting, presence, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, meetings, participants)
// - Counter: Cumulative events (frames processed, evictions)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of active WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveMeetings tracks the current number of live meetings with at least one socket
	ActiveMeetings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "meeting",
		Name:      "meetings_active",
		Help:      "Current number of meetings with connected sockets",
	})

	// MeetingParticipants tracks the number of connected sockets per meeting room
	MeetingParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "meeting",
		Name:      "participants_count",
		Help:      "Number of connected participants in each meeting",
	}, []string{"meeting_id"})

	// GatewayEvents tracks the total number of WebSocket frames processed
	GatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// FrameProcessingDuration tracks the time spent processing inbound frames
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound WebSocket frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// HeartbeatsReceived counts heartbeats accepted by the presence engine
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "presence",
		Name:      "heartbeats_total",
		Help:      "Total heartbeats accepted by the presence engine",
	})

	// SessionsClosed counts closed sessions by cause (leave, watchdog, sweeper, meeting_end)
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "presence",
		Name:      "sessions_closed_total",
		Help:      "Total sessions closed, labeled by cause",
	}, []string{"cause"})

	// SweeperEvictions counts participants evicted by the stale sweeper
	SweeperEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "presence",
		Name:      "sweeper_evictions_total",
		Help:      "Total stale participants evicted by the sweeper",
	})

	// HandsRaised tracks the current number of raised hands across all meetings
	HandsRaised = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "meeting",
		Name:      "hands_raised",
		Help:      "Current number of raised hands across all meetings",
	})

	// SlowConsumersClosed counts sockets closed for outbound queue overflow
	SlowConsumersClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "websocket",
		Name:      "slow_consumers_closed_total",
		Help:      "Total sockets closed because their outbound queue overflowed",
	})

	// CircuitBreakerState tracks circuit breaker states (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations rejected by an open circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations rejected by an open circuit breaker",
	}, []string{"service"})

	// RateLimitRequests counts requests checked against a rate limit
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limit",
	}, []string{"path"})

	// RateLimitExceeded counts requests rejected by a rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by a rate limit",
	}, []string{"path", "limit_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
