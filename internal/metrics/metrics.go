// ABOUTME: Prometheus counters, gauges and histograms for mesh-gateway
// ABOUTME: Registered on import via promauto

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gateway_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesh_gateway_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Credential metrics
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_gateway_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gateway_auth_failures_total",
			Help: "Rejected credentials",
		},
		[]string{"surface"}, // "http", "websocket", "mesh"
	)

	// Message metrics
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gateway_messages_delivered_total",
			Help: "Messages pushed to a live socket",
		},
		[]string{"path"}, // "live" or "drain"
	)

	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_gateway_messages_queued_total",
			Help: "Messages written to the pending queue",
		},
	)

	MessagesAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_gateway_messages_acknowledged_total",
			Help: "Pending entries removed by acknowledgment",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gateway_messages_dropped_total",
			Help: "Pending entries removed without delivery",
		},
		[]string{"reason"}, // "capacity" or "expired"
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_gateway_websocket_connections",
			Help: "Currently authenticated agent sockets",
		},
	)

	WebSocketClosures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gateway_websocket_closures_total",
			Help: "Agent sockets closed, by close code",
		},
		[]string{"code"},
	)

	// Mesh metrics
	ExchangeCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gateway_exchange_candidates_total",
			Help: "Peer exchange candidates by outcome",
		},
		[]string{"outcome"}, // "added", "known", "unreachable", "failed"
	)

	ExchangeReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_gateway_exchange_replays_total",
			Help: "Peer exchange requests skipped as already-seen propagations",
		},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesh_gateway_probe_duration_seconds",
			Help:    "Host reachability probe latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"result"}, // "ok" or "error"
	)

	MeshHosts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_gateway_hosts",
			Help: "Hosts in the registry, including this one",
		},
	)
)
