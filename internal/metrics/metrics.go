package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_messages_appended_total",
			Help: "Total messages durably appended",
		},
		[]string{"room_type"},
	)

	RoomsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_rooms_created_total",
			Help: "Total rooms created",
		},
		[]string{"room_type"},
	)

	RoomCreateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_room_create_conflicts_total",
			Help: "Private room creations that lost a race and returned the winner",
		},
	)

	// Fanout metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmchat_ws_connections",
			Help: "Currently registered push connections",
		},
	)

	FanoutDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_fanout_deliveries_total",
			Help: "Envelopes queued to subscriber connections",
		},
	)

	FanoutDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_fanout_dropped_connections_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)

	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_broker_errors_total",
			Help: "Fanout broker publish/receive failures",
		},
		[]string{"backend", "op"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"path"},
	)

	// Infrastructure metrics
	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmchat_storage_latency_seconds",
			Help:    "Storage operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"op"},
	)
)
