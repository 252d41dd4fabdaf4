// Package metrics provides Prometheus instrumentation for the WebSocket
// engine. It exposes gauges for live connections, counters for handshake
// outcomes, frame throughput and emitted events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered connections
	// across all servers in the process.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rws_connections_active",
		Help: "Current number of registered WebSocket connections",
	})

	// ConnectionsTotal counts connections that completed the handshake.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rws_connections_total",
		Help: "Total number of connections that completed the WebSocket handshake",
	})

	// HandshakeFailures counts connections dropped before registration,
	// labeled by stage: "admission", "tls" or "websocket".
	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rws_handshake_failures_total",
		Help: "Connections dropped before registration",
	}, []string{"stage"})

	// AcceptErrors counts failed accept calls on the listening socket.
	AcceptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rws_accept_errors_total",
		Help: "Failed accept calls on the listening socket",
	})

	// FramesTotal counts data frames, labeled by direction: "in" or "out".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rws_frames_total",
		Help: "Data frames read from or written to clients",
	}, []string{"direction"})

	// EventsTotal counts events pushed to the poll queue, labeled by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rws_events_total",
		Help: "Events delivered to the host poll queue",
	}, []string{"type"})

	// EventsPending is the poll queue depth last observed by the host.
	EventsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rws_events_pending",
		Help: "Events waiting in the host poll queue after the last tick",
	})

	// SendFailures counts send calls rejected because the writer had exited.
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rws_send_failures_total",
		Help: "Outbound messages rejected because the connection writer had exited",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		HandshakeFailures,
		AcceptErrors,
		FramesTotal,
		EventsTotal,
		EventsPending,
		SendFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
