package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the chat core. Registered once at package init;
// every subsystem increments these directly.
var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_connections_total",
		Help: "Total TCP connections admitted.",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_connections_rejected_total",
		Help: "Connections refused by admission control.",
	})

	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_connections_current",
		Help: "Currently connected sessions.",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_messages_received_total",
		Help: "Inbound records read from clients.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_messages_delivered_total",
		Help: "Records delivered to client send queues.",
	})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_delivery_failures_total",
		Help: "Per-peer deliveries dropped (closed session or full buffer).",
	})

	ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_validation_failures_total",
		Help: "Frames dropped by the input validator.",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_rate_limited_messages_total",
		Help: "Frames dropped by the message rate limiter.",
	})

	MalformedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_malformed_records_total",
		Help: "Records dropped for invalid UTF-8 or unknown tags.",
	})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_sessions_reaped_total",
		Help: "Sessions closed by the idle reaper.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
