package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the hub. Registered once at package init;
// every subsystem updates them directly.
var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emberhub_connections_current",
		Help: "Currently open WebSocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emberhub_connections_total",
		Help: "Total accepted WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emberhub_connections_rejected_total",
		Help: "WebSocket connections rejected before upgrade",
	}, []string{"reason"}) // capacity | per_address

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emberhub_messages_received_total",
		Help: "Inbound WebSocket frames",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emberhub_messages_sent_total",
		Help: "Outbound WebSocket frames",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emberhub_bytes_received_total",
		Help: "Inbound WebSocket bytes",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emberhub_bytes_sent_total",
		Help: "Outbound WebSocket bytes",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emberhub_rate_limited_messages_total",
		Help: "Inbound frames dropped by the per-address limiter",
	})

	DroppedBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emberhub_dropped_broadcasts_total",
		Help: "Broadcast frames dropped because a connection mailbox was full or closed",
	}, []string{"kind"}) // presence | voice | profile | hint | friend | signaling

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emberhub_backend_errors_total",
		Help: "Persistence backend failures absorbed by in-memory fallbacks",
	}, []string{"backend"}) // sql | kv
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
