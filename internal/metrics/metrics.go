// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection counts, counters for message and receipt
// throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charla_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of authenticated online users.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charla_online_users",
		Help: "Current number of authenticated online users",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "sent", "rejected", or "deleted".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"}) // outcome = "sent", "rejected", "deleted"

	// ReceiptsTotal counts receipt transitions committed to the ledger,
	// labeled by kind: "delivered" or "read".
	ReceiptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_receipts_total",
		Help: "Total number of delivery and read receipt transitions",
	}, []string{"kind"}) // kind = "delivered", "read"

	// NotificationsTotal counts push notifications published to the bus,
	// labeled by target: "user" or "chat".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charla_notifications_total",
		Help: "Total number of notifications published to the bus",
	}, []string{"target"}) // target = "user", "chat"

	// DispatchLatency records the time from a committed state transition to
	// its notification batch being published.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "charla_dispatch_latency_seconds",
		Help:    "Notification dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		ReceiptsTotal,
		NotificationsTotal,
		DispatchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
