package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meetingcast"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// BroadcastMetrics holds Prometheus metrics for the broadcast server.
type BroadcastMetrics struct {
	// ActiveConnections open WebSocket connections
	ActiveConnections prometheus.Gauge
	// AuthenticatedConnections open WebSocket connections which have authenticated
	AuthenticatedConnections prometheus.Gauge
	// ActiveRooms non-empty rooms
	ActiveRooms prometheus.Gauge
	// AuthFailures rejected authenticate requests
	AuthFailures prometheus.Counter
	// EventsDrained events read from the event queue
	EventsDrained prometheus.Counter
	// DrainFailures drain cycles skipped because the event queue was unavailable
	DrainFailures prometheus.Counter
	// MessagesDelivered event messages handed to a connection for sending
	MessagesDelivered prometheus.Counter
	// SlowConnectionsEvicted connections closed because their send buffer was full
	SlowConnectionsEvicted prometheus.Counter
}

// NewBroadcastMetrics creates and registers broadcast metrics on the given registry.
func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		AuthenticatedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "authenticated_connections",
			Help:      "Number of open WebSocket connections which have authenticated.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "auth_failures_total",
			Help:      "Total number of rejected authenticate requests.",
		}),
		EventsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "events_drained_total",
			Help:      "Total number of events read from the event queue.",
		}),
		DrainFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drain_failures_total",
			Help:      "Total number of drain cycles skipped on event queue failure.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_delivered_total",
			Help:      "Total number of event messages handed to connections.",
		}),
		SlowConnectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "slow_connections_evicted_total",
			Help:      "Total number of connections closed for a full send buffer.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.AuthenticatedConnections,
		m.ActiveRooms,
		m.AuthFailures,
		m.EventsDrained,
		m.DrainFailures,
		m.MessagesDelivered,
		m.SlowConnectionsEvicted,
	)
	return m
}
