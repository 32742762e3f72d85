// Package observability holds the Prometheus metrics of the chat service.
//
// Metrics are registered on an explicit registerer so tests can use a private
// registry. All methods are safe on a nil *Metrics, which records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "webchat"

// Outcomes of one chat processing pass.
const (
	OutcomeReplied     = "replied"
	OutcomeRateLimited = "rate_limited"
	OutcomeInvalid     = "invalid"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	// PassesTotal counts processing passes by outcome.
	PassesTotal *prometheus.CounterVec

	// GatewayRequestsTotal counts model calls.
	// Labels: operation (respond, summarize), status (success, failure)
	GatewayRequestsTotal *prometheus.CounterVec

	// GatewayDurationSeconds measures model call latency.
	GatewayDurationSeconds *prometheus.HistogramVec

	// TitleFallbacksTotal counts titles derived from the input instead of the model.
	TitleFallbacksTotal prometheus.Counter

	// ActiveConnections tracks open websocket connections.
	ActiveConnections prometheus.Gauge

	// RefusedConnectionsTotal counts unauthenticated connection attempts.
	RefusedConnectionsTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "passes_total",
			Help:      "Chat processing passes by outcome.",
		}, []string{"outcome"}),
		GatewayRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Model gateway calls by operation and status.",
		}, []string{"operation", "status"}),
		GatewayDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "duration_seconds",
			Help:      "Model gateway call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"operation"}),
		TitleFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "title_fallbacks_total",
			Help:      "Session titles derived from the input because summarization failed.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Open websocket connections.",
		}),
		RefusedConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "refused_connections_total",
			Help:      "Websocket connections closed as unauthorized.",
		}),
	}
}

// RecordPass counts one processing pass.
func (m *Metrics) RecordPass(outcome string) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(outcome).Inc()
}

// RecordGatewayCall counts one model call and observes its latency.
func (m *Metrics) RecordGatewayCall(operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	m.GatewayDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordTitleFallback() {
	if m == nil {
		return
	}
	m.TitleFallbacksTotal.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ConnectionRefused() {
	if m == nil {
		return
	}
	m.RefusedConnectionsTotal.Inc()
}
