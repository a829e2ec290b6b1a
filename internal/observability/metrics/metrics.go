package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	paymentsCreated    metric.Int64Counter
	paymentTransitions metric.Int64Counter
	webhookEvents      metric.Int64Counter
	refundRequests     metric.Int64Counter
	ledgerEntries      metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New registers the domain counters on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "payflow"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.paymentsCreated, "payflow_payments_created_total", "Payments accepted by a gateway."},
		{&m.paymentTransitions, "payflow_payment_transitions_total", "Applied payment status transitions."},
		{&m.webhookEvents, "payflow_webhook_events_total", "Webhook deliveries by outcome and result."},
		{&m.refundRequests, "payflow_refund_requests_total", "Refund requests by result."},
		{&m.ledgerEntries, "payflow_ledger_entries_total", "Ledger entries written."},
		{&m.rateLimitAllowed, "payflow_rate_limit_allowed_total", "Requests let through by a throttle."},
		{&m.rateLimitDenied, "payflow_rate_limit_denied_total", "Requests rejected by a throttle."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, pick func(*Metrics) metric.Int64Counter, labels ...attribute.KeyValue) {
	if m == nil {
		return
	}
	pick(m).Add(ctx, 1, metric.WithAttributes(FilterAttributes(labels...)...))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

// RecordPaymentCreated counts payments a gateway accepted.
func (m *Metrics) RecordPaymentCreated(ctx context.Context, gateway, method string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.paymentsCreated },
		label("gateway", gateway), label("method", method))
}

func (m *Metrics) RecordPaymentTransition(ctx context.Context, gateway, from, to string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.paymentTransitions },
		label("gateway", gateway), label("from", from), label("to", to))
}

// RecordWebhookEvent counts deliveries by canonical outcome and by what
// handling did with them, e.g. "applied" or "duplicate".
func (m *Metrics) RecordWebhookEvent(ctx context.Context, gateway, outcome, result string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.webhookEvents },
		label("gateway", gateway), label("outcome", outcome), label("result", result))
}

func (m *Metrics) RecordRefundRequest(ctx context.Context, gateway, result string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.refundRequests },
		label("gateway", gateway), label("result", result))
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.ledgerEntries },
		label("source_type", sourceType))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.rateLimitAllowed },
		label("endpoint", endpoint))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.rateLimitDenied },
		label("endpoint", endpoint), label("reason", reason))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"gateway":     {},
	"method":      {},
	"from":        {},
	"to":          {},
	"outcome":     {},
	"result":      {},
	"endpoint":    {},
	"status_code": {},
	"source_type": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
