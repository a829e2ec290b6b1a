package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("gateway", "card"),
		attribute.String("payment_id", "456"),
		attribute.String("user_id", "42"),
		attribute.String("to", "completed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "gateway" && attrs[1].Key != "gateway" {
		t.Fatalf("expected gateway to be retained")
	}
	if attrs[0].Key != "to" && attrs[1].Key != "to" {
		t.Fatalf("expected to to be retained")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordPaymentCreated(ctx, "card", "card")
	m.RecordPaymentTransition(ctx, "card", "pending", "processing")
	m.RecordWebhookEvent(ctx, "card", "succeeded", "applied")
	m.RecordRefundRequest(ctx, "card", "completed")
	m.RecordLedgerEntry(ctx, "payment")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordPaymentTransition(context.Background(), "sbp", "processing", "completed")
}
