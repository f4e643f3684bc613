package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "uipipe"

// Metrics holds the counters for one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EnvelopesSent      prometheus.Counter
	EnvelopesReceived  prometheus.Counter
	EnvelopesDropped   prometheus.Counter
	FramingErrors      prometheus.Counter
	MalformedEnvelopes prometheus.Counter
	HandlerErrors      prometheus.Counter
	SessionState       prometheus.Gauge
}

// New registers the metrics with reg. Use prometheus.NewRegistry() in tests so
// repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to the outbound stream",
		}),
		EnvelopesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes decoded from the inbound stream",
		}),
		EnvelopesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes with no registered handler",
		}),
		FramingErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Inbound buffers discarded because they could not be framed",
		}),
		MalformedEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_envelopes_total",
			Help:      "Inbound JSON values that were not valid envelopes",
		}),
		// Not labelled by event: the UI host picks the names.
		HandlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handlers that returned an error or panicked",
		}),
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0=closed, 1=opening, 2=open, 3=closing)",
		}),
	}
}

func (m *Metrics) Sent() {
	if m != nil {
		m.EnvelopesSent.Inc()
	}
}

func (m *Metrics) Received() {
	if m != nil {
		m.EnvelopesReceived.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.EnvelopesDropped.Inc()
	}
}

func (m *Metrics) FramingError() {
	if m != nil {
		m.FramingErrors.Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedEnvelopes.Inc()
	}
}

func (m *Metrics) HandlerError() {
	if m != nil {
		m.HandlerErrors.Inc()
	}
}

func (m *Metrics) State(s int) {
	if m != nil {
		m.SessionState.Set(float64(s))
	}
}
