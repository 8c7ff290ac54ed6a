package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core link-level metrics every endpoint shares
type Metrics struct {
	// Link lifecycle
	LinksActive      prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	HandshakeFailed  *prometheus.CounterVec

	// Message flow
	MessagesReceived prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	LinkErrors       *prometheus.CounterVec

	// Keepalive
	PongTimeouts prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core link metrics
func NewMetrics() *Metrics {
	return &Metrics{
		LinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msglink",
			Subsystem: "link",
			Name:      "active",
			Help:      "Number of currently open links",
		}),

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msglink",
			Subsystem: "link",
			Name:      "connections_total",
			Help:      "Total connections accepted or dialed (including closed)",
		}),

		HandshakeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msglink",
			Subsystem: "link",
			Name:      "handshake_failures_total",
			Help:      "Handshakes rejected, labelled by close code",
		}, []string{"close_code"}),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msglink",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Total protocol frames received",
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msglink",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Total protocol messages sent",
		}, []string{"type"}),

		LinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msglink",
			Subsystem: "link",
			Name:      "errors_total",
			Help:      "Link-raised errors, labelled by error kind",
		}, []string{"kind"}),

		PongTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msglink",
			Subsystem: "link",
			Name:      "pong_timeouts_total",
			Help:      "Connections terminated because a pong never arrived",
		}),
	}
}

// collectors returns every core metric for bulk registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LinksActive,
		m.ConnectionsTotal,
		m.HandshakeFailed,
		m.MessagesReceived,
		m.MessagesSent,
		m.LinkErrors,
		m.PongTimeouts,
	}
}
