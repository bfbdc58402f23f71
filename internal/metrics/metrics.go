package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the server's prometheus collectors.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	MessagesTotal  prometheus.Counter
	EventsSent     prometheus.Counter
	Ops            *prometheus.CounterVec
}

// New registers and returns the collector set. A nil registerer falls back to
// the prometheus default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatterbox_sessions_active",
			Help: "Current number of authenticated sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatterbox_sessions_total",
			Help: "Total number of authenticated sessions since start.",
		}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatterbox_messages_total",
			Help: "Total number of chat messages persisted.",
		}),
		EventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatterbox_events_sent_total",
			Help: "Total number of events pushed to live connections.",
		}),
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatterbox_ops_total",
			Help: "Inbound operations by name.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.MessagesTotal,
		m.EventsSent,
		m.Ops,
	)
	return m
}
