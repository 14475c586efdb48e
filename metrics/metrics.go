package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SourceSession = "session"
	SourceIngest  = "ingest"
)

var (
	// Relay
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_messages_sent_total",
			Help: "Total messages appended and broadcast",
		},
		[]string{"source"}, // "session" or "ingest"
	)

	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_messages_read_total",
			Help: "Total messages flipped to read",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_online_users",
			Help: "Users with at least one registered connection",
		},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_connections",
			Help: "Open websocket connections",
		},
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_slow_consumer_disconnects_total",
			Help: "Connections closed because their send queue was full",
		},
	)

	// Push
	PushAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_push_attempts_total",
			Help: "Total push notifications attempted",
		},
	)

	PushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_push_failures_total",
			Help: "Total push notifications that failed",
		},
	)

	// Ingest
	IngestRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_ingest_records_total",
			Help: "Kafka records consumed",
		},
		[]string{"result"}, // "routed" or "discarded"
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_http_requests_total",
			Help: "Total HTTP query requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minichat_http_request_duration_seconds",
			Help:    "HTTP query request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)
