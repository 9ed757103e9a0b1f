// Package telemetry holds the proxy's metrics and tracing hook points. It
// only produces instruments: exporters and the HTTP metrics endpoint belong
// to whatever process embeds the proxy.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcp_proxy"

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeIntercepted = "intercepted"
)

// Negotiation outcomes.
const (
	NegotiationExact      = "exact"
	NegotiationDowngraded = "downgraded"
	NegotiationFailed     = "failed"
)

// Metrics are the pipeline's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	sessions     prometheus.Gauge
	closed       *prometheus.CounterVec
	negotiations *prometheus.CounterVec
	events       prometheus.Counter

	reg prometheus.Registerer
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client messages forwarded, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a client request to delivering its final response.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently open.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Client sessions closed, by reason.",
		}, []string{"reason"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Protocol version negotiations, by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Server-sent events relayed to clients.",
		}),
		reg: reg,
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.sessions, m.closed, m.negotiations, m.events)
	}
	return m
}

// Register adds further collectors, such as a pool.Manager or a
// bufpool.Registry, to the same registry.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	if m == nil || m.reg == nil {
		return nil
	}
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRequest records one forwarded message.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

// SessionOpened counts a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed counts a session ending for reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.closed.WithLabelValues(reason).Inc()
}

// Negotiated records a negotiation outcome.
func (m *Metrics) Negotiated(outcome string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(outcome).Inc()
}

// StreamEvent counts one relayed SSE event.
func (m *Metrics) StreamEvent() {
	if m == nil {
		return
	}
	m.events.Inc()
}
