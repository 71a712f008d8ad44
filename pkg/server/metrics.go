package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus instrumentation. Each server carries
// its own registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	connections       prometheus.Counter
	disconnections    prometheus.Counter
	linesReceived     prometheus.Counter
	messagesBroadcast prometheus.Counter
	floodRejections   prometheus.Counter
	backlogDepth      prometheus.Gauge
	pingTimeouts      prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airin_active_sessions",
			Help: "Number of connected client sessions.",
		}),
		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "airin_connections_total",
			Help: "Total client connections accepted.",
		}),
		disconnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "airin_disconnections_total",
			Help: "Total client sessions torn down.",
		}),
		linesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "airin_lines_received_total",
			Help: "Total protocol lines received from clients.",
		}),
		messagesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "airin_messages_broadcast_total",
			Help: "Total chat messages fanned out to clients.",
		}),
		floodRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "airin_flood_rejections_total",
			Help: "Total messages rejected by the flood limiter.",
		}),
		backlogDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airin_backlog_queue_depth",
			Help: "Pending history requests in the log queue.",
		}),
		pingTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "airin_ping_timeouts_total",
			Help: "Total sessions dropped by the liveness probe.",
		}),
	}
}

// Handler serves this server's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionCreated(active int) {
	m.connections.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) RecordSessionClosed(active int) {
	m.disconnections.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) RecordLineReceived() { m.linesReceived.Inc() }

func (m *Metrics) RecordMessageBroadcast() { m.messagesBroadcast.Inc() }

func (m *Metrics) RecordFloodRejection() { m.floodRejections.Inc() }

func (m *Metrics) RecordBacklogDepth(depth int) { m.backlogDepth.Set(float64(depth)) }

func (m *Metrics) RecordPingTimeout() { m.pingTimeouts.Inc() }
