package lifecycle_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/events"
	ledgerdomain "github.com/smallbiznis/payflow/internal/ledger/domain"
	"github.com/smallbiznis/payflow/internal/notify"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	"github.com/smallbiznis/payflow/internal/payment/paymenttest"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func countOutbox(t *testing.T, h *paymenttest.Harness, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.DB.Model(&events.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestApplyWalksIntermediateStatuses(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "1000.00")

	out, err := h.Engine.Apply(ctx, lifecycle.Request{
		PaymentID: payment.ID,
		Target:    paymentdomain.StatusCompleted,
		Source:    paymentdomain.ExchangeWebhook,
		Payload:   []byte(`{"event":"paid"}`),
	})
	require.NoError(t, err)
	require.True(t, out.Applied())
	require.Len(t, out.Steps, 2)
	assert.Equal(t, paymentdomain.StatusProcessing, out.Steps[0].To)
	assert.Equal(t, paymentdomain.StatusCompleted, out.Steps[1].To)

	stored := h.Reload(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ConfirmedAt)
	assert.True(t, stored.ConfirmedAt.Equal(h.Clock.Now()))

	assert.Equal(t, int64(2), countOutbox(t, h, events.EventPaymentStatusChanged))
	assert.Equal(t, 1, h.Activations.Activated(payment.ID))
	assert.Equal(t, 1, h.Notifier.Count(notify.TemplatePaymentSucceeded))

	var entries int64
	require.NoError(t, h.DB.Model(&ledgerdomain.LedgerEntry{}).
		Where("source_type = ? AND source_id = ?", ledgerdomain.SourceTypePayment, payment.ID).
		Count(&entries).Error)
	assert.Equal(t, int64(1), entries)

	exchanges, err := h.Repo.ListExchanges(ctx, h.DB, payment.ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, paymentdomain.ExchangeWebhook, exchanges[0].Source)
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "250.00")

	_, err := h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusCompleted})
	require.NoError(t, err)

	_, err = h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusFailed})
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
	assert.Equal(t, paymentdomain.StatusCompleted, h.Reload(t, payment.ID).Status)
}

func TestStaleTargetIsRecordedButIgnored(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "250.00")

	_, err := h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusCompleted})
	require.NoError(t, err)

	out, err := h.Engine.Apply(ctx, lifecycle.Request{
		PaymentID:  payment.ID,
		Target:     paymentdomain.StatusFailed,
		Source:     paymentdomain.ExchangeWebhook,
		Payload:    []byte("declined"),
		Reason:     "late decline",
		AllowStale: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.False(t, out.Applied())

	stored := h.Reload(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusCompleted, stored.Status)
	assert.Nil(t, stored.FailedAt)
	assert.Equal(t, 0, h.Notifier.Count(notify.TemplatePaymentFailed))

	exchanges, err := h.Repo.ListExchanges(ctx, h.DB, payment.ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "late decline", exchanges[0].Error)
}

func TestHeldPaymentOnlyLeavesThroughReleaseOrCancel(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "90.00")

	_, err := h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusHeld, Reason: "manual review"})
	require.NoError(t, err)
	assert.Equal(t, "manual review", h.Reload(t, payment.ID).MetaString(paymentdomain.MetaHoldReason))

	_, err = h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusCompleted})
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)

	out, err := h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusCompleted, AllowStale: true})
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Equal(t, paymentdomain.StatusHeld, h.Reload(t, payment.ID).Status)
	assert.Equal(t, 0, h.Activations.Activated(payment.ID))

	_, err = h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusCancelled, Reason: "fraud"})
	require.NoError(t, err)
	stored := h.Reload(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusCancelled, stored.Status)
	assert.Equal(t, "fraud", stored.FailureReason)
	assert.NotNil(t, stored.CancelledAt)
}

func TestTopUpCreditsBalanceOnce(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment, err := h.Payments.Create(ctx, paymentdomain.CreateRequest{
		UserID:   "user-7",
		Amount:   decimal.RequireFromString("300.00"),
		Currency: "RUB",
		Method:   paymentdomain.MethodCard,
		Type:     paymentdomain.TypeTopUp,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusCompleted, AllowStale: true})
		require.NoError(t, err)
	}

	balance, err := h.Balance.Balance(ctx, h.DB, "user-7", "RUB")
	require.NoError(t, err)
	assert.Equal(t, "300.00", balance.StringFixed(2))

	var entry ledgerdomain.LedgerEntry
	require.NoError(t, h.DB.Where("source_id = ?", payment.ID).First(&entry).Error)
	assert.Equal(t, ledgerdomain.SourceTypeTopUp, entry.SourceType)
}

func TestFailedPaymentNotifiesAfterCommit(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "40.00")

	_, err := h.Engine.Apply(ctx, lifecycle.Request{PaymentID: payment.ID, Target: paymentdomain.StatusFailed, Reason: "card declined"})
	require.NoError(t, err)

	stored := h.Reload(t, payment.ID)
	assert.Equal(t, "card declined", stored.FailureReason)
	assert.Equal(t, 1, h.Notifier.Count(notify.TemplatePaymentFailed))
	assert.Equal(t, 0, h.Activations.Activated(payment.ID))
}

func TestWithinErrorRollsBackTransition(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "40.00")

	_, err := h.Engine.Apply(ctx, lifecycle.Request{
		PaymentID: payment.ID,
		Target:    paymentdomain.StatusCompleted,
		Within: func(context.Context, *gorm.DB, *paymentdomain.Payment) error {
			return assert.AnError
		},
	})
	require.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, paymentdomain.StatusPending, h.Reload(t, payment.ID).Status)
	assert.Equal(t, int64(0), countOutbox(t, h, events.EventPaymentStatusChanged))
	assert.Equal(t, 0, h.Notifier.Count(notify.TemplatePaymentSucceeded))
}

func TestCompletedRefundsIgnoresOpenAndFailed(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.Complete(t, h.CreateBooking(t, "500.00"))

	_, err := h.Refunds.Refund(ctx, refundRequest(payment, "100.00"))
	require.NoError(t, err)

	h.Gateway.RefundFunc = func(*paymentdomain.Payment, decimal.Decimal, string) (*paymentdomain.RefundResult, error) {
		return nil, paymentdomain.NewPermanentError(paymenttest.GatewayName, "refund", "declined", "declined")
	}
	_, err = h.Refunds.Refund(ctx, refundRequest(payment, "50.00"))
	require.NoError(t, err)

	total, err := lifecycle.CompletedRefunds(ctx, h.DB, h.Repo, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", total.StringFixed(2))
}

func refundRequest(payment *paymentdomain.Payment, amount string) refunddomain.Request {
	return refunddomain.Request{
		PaymentID: payment.ID,
		Amount:    decimal.RequireFromString(amount),
		Reason:    "customer request",
		Actor:     refunddomain.Actor{Type: "user", ID: payment.UserID},
	}
}
