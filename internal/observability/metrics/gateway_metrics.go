package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records outbound gateway call latency. It satisfies the
// payment adapter call observer.
type GatewayMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewGatewayMetrics(cfg Config, registerer prometheus.Registerer) *GatewayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "payflow_gateway_calls_total",
		Help:        "Outbound gateway calls by operation and outcome.",
		ConstLabels: labels,
	}, []string{"gateway", "operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "payflow_gateway_call_duration_seconds",
		Help:        "Outbound gateway call latency.",
		Buckets:     []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		ConstLabels: labels,
	}, []string{"gateway", "operation"})

	registerer.MustRegister(calls, duration)
	return &GatewayMetrics{calls: calls, duration: duration}
}

func (m *GatewayMetrics) ObserveGatewayCall(gateway, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	m.calls.WithLabelValues(gateway, operation, outcome).Inc()
	m.duration.WithLabelValues(gateway, operation).Observe(elapsed.Seconds())
}
