package metric

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics holds the platform-wide metrics every RelayCore process
// exports regardless of which components it runs.
type CoreMetrics struct {
	// ConnectionState is 0 disconnected, 1 connecting, 2 connected,
	// labeled by transport ("socket", "bus", "conversation")
	ConnectionState *prometheus.GaugeVec

	// CallsTotal counts RPC calls by component and outcome
	// (resolved, rejected, timeout)
	CallsTotal *prometheus.CounterVec

	// CallDuration observes round-trip call latency by component
	CallDuration *prometheus.HistogramVec

	// MessagesRouted counts inbound messages by component and route
	// (reply, event, conversation, dropped)
	MessagesRouted *prometheus.CounterVec

	// Reconnects counts reconnection attempts by transport
	Reconnects *prometheus.CounterVec

	// ListenerRestarts counts bridge listener restarts after loop failure
	ListenerRestarts prometheus.Counter

	// SessionsActive tracks the number of bound session identities
	SessionsActive prometheus.Gauge

	// ErrorsTotal counts errors by component and type
	ErrorsTotal *prometheus.CounterVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaycore",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected)",
		}, []string{"transport"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "calls_total",
			Help:      "Total RPC calls by outcome",
		}, []string{"component", "outcome"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaycore",
			Name:      "call_duration_seconds",
			Help:      "Round-trip call latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"component"}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "messages_routed_total",
			Help:      "Inbound messages by dispatch route",
		}, []string{"component", "route"}),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by transport",
		}, []string{"transport"}),

		ListenerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "listener_restarts_total",
			Help:      "Bridge listener restarts after loop failure",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaycore",
			Name:      "sessions_active",
			Help:      "Number of bound session identities",
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore",
			Name:      "errors_total",
			Help:      "Total errors by component and type",
		}, []string{"component", "type"}),
	}
}

func (m *CoreMetrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ConnectionState,
		m.CallsTotal,
		m.CallDuration,
		m.MessagesRouted,
		m.Reconnects,
		m.ListenerRestarts,
		m.SessionsActive,
		m.ErrorsTotal,
	)
}
