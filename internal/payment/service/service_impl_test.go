package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/notify"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	"github.com/smallbiznis/payflow/internal/payment/paymenttest"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validationCode(t *testing.T, err error) string {
	t.Helper()
	var verr *paymentdomain.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	return verr.Code
}

func TestCreateCalculatesFeeAndTotal(t *testing.T) {
	h := paymenttest.New(t)
	payment := h.CreateBooking(t, "1000.00")

	assert.Equal(t, paymenttest.GatewayName, payment.Gateway)
	assert.Equal(t, paymentdomain.StatusPending, payment.Status)
	assert.Equal(t, "1000.00", payment.Amount.StringFixed(2))
	assert.Equal(t, "28.00", payment.Fee.StringFixed(2))
	assert.Equal(t, "1028.00", payment.TotalAmount.StringFixed(2))
	assert.True(t, strings.HasPrefix(payment.Number, "PAY-"))

	stored := h.Reload(t, payment.ID)
	assert.Equal(t, "1028.00", stored.TotalAmount.StringFixed(2))
	assert.Equal(t, "booking-1", stored.PayableID)
}

func TestCreateAppliesDiscountBeforeFee(t *testing.T) {
	h := paymenttest.New(t)
	payment, err := h.Payments.Create(context.Background(), paymentdomain.CreateRequest{
		UserID:         "user-1",
		Amount:         decimal.RequireFromString("1000.00"),
		DiscountAmount: decimal.RequireFromString("100.00"),
		Currency:       "rub",
		Method:         paymentdomain.MethodCard,
		Type:           paymentdomain.TypeServicePayment,
	})
	require.NoError(t, err)

	assert.Equal(t, "RUB", payment.Currency)
	assert.Equal(t, "900.00", payment.Amount.StringFixed(2))
	assert.Equal(t, "25.20", payment.Fee.StringFixed(2))
	assert.Equal(t, "925.20", payment.TotalAmount.StringFixed(2))
	assert.Equal(t, "1000.00", payment.MetaString(paymentdomain.MetaOriginalAmount))
}

func TestCreateValidation(t *testing.T) {
	h := paymenttest.New(t)
	valid := paymentdomain.CreateRequest{
		UserID:   "user-1",
		Amount:   decimal.RequireFromString("10.00"),
		Currency: "RUB",
		Method:   paymentdomain.MethodCard,
		Type:     paymentdomain.TypeServicePayment,
	}

	tests := []struct {
		name   string
		mutate func(*paymentdomain.CreateRequest)
		code   string
	}{
		{"missing user", func(r *paymentdomain.CreateRequest) { r.UserID = " " }, "invalid_user"},
		{"zero amount", func(r *paymentdomain.CreateRequest) { r.Amount = decimal.Zero }, "invalid_amount"},
		{"sub-cent amount", func(r *paymentdomain.CreateRequest) { r.Amount = decimal.RequireFromString("10.005") }, "invalid_amount"},
		{"discount covers amount", func(r *paymentdomain.CreateRequest) { r.DiscountAmount = r.Amount }, "invalid_discount"},
		{"bad currency", func(r *paymentdomain.CreateRequest) { r.Currency = "RUBL" }, "invalid_currency"},
		{"unknown method", func(r *paymentdomain.CreateRequest) { r.Method = "cash" }, "invalid_method"},
		{"refund type", func(r *paymentdomain.CreateRequest) { r.Type = paymentdomain.TypeRefund }, "invalid_type"},
		{"balance top-up", func(r *paymentdomain.CreateRequest) {
			r.Type = paymentdomain.TypeTopUp
			r.Method = paymentdomain.MethodBalance
		}, "invalid_method"},
		{"currency outside tariff", func(r *paymentdomain.CreateRequest) { r.Currency = "EUR" }, "unsupported_currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.Payments.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, validationCode(t, err))
		})
	}

	var count int64
	require.NoError(t, h.DB.Model(&paymentdomain.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestProcessSubmitsToGateway(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "100.00")

	result, err := h.Payments.Process(ctx, payment.ID)
	require.NoError(t, err)
	assert.False(t, result.Transient)
	assert.Equal(t, paymentdomain.StatusProcessing, result.Payment.Status)
	assert.Equal(t, "https://fakepay.test/pay/"+payment.Number, result.RedirectURL)
	assert.Equal(t, "fp_"+payment.Number, result.Payment.External())

	exchanges, err := h.Payments.Exchanges(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, paymentdomain.ExchangeCreate, exchanges[0].Source)

	again, err := h.Payments.Process(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusProcessing, again.Payment.Status)
	assert.Equal(t, 1, h.Gateway.Calls("create"))
}

func TestCreateTimeoutThenPollCompletesOnce(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "1000.00")

	h.Gateway.CreateFunc = func(*paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
		return nil, paymentdomain.NewTransientError(paymenttest.GatewayName, "create", context.DeadlineExceeded)
	}
	result, err := h.Payments.Process(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, result.Transient)
	assert.NotEmpty(t, result.Message)
	assert.Equal(t, paymentdomain.StatusPending, result.Payment.Status)
	assert.Equal(t, 3, h.Gateway.Calls("create"))

	exchanges, err := h.Payments.Exchanges(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.NotEmpty(t, exchanges[0].Error)

	h.Gateway.QueryFunc = func(*paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
		return &paymentdomain.StatusResult{ExternalID: "fp_recovered", Paid: true, ProviderStatus: "CONFIRMED"}, nil
	}
	for i := 0; i < 2; i++ {
		status, err := h.Payments.CheckStatus(ctx, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, paymentdomain.StatusCompleted, status)
	}

	stored := h.Reload(t, payment.ID)
	assert.Equal(t, "fp_recovered", stored.External())
	assert.Equal(t, "CONFIRMED", stored.MetaString(paymentdomain.MetaProviderStatus))
	assert.Equal(t, 1, h.Activations.Activated(payment.ID))
	assert.Equal(t, 1, h.Notifier.Count(notify.TemplatePaymentSucceeded))
	assert.Equal(t, 1, h.Gateway.Calls("query"))
}

func TestTransientCreateKeepsConcurrentProgress(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "500.00")

	moved := false
	h.Gateway.CreateFunc = func(p *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
		if !moved {
			moved = true
			_, err := h.Engine.Apply(ctx, lifecycle.Request{
				PaymentID:  p.ID,
				Target:     paymentdomain.StatusProcessing,
				Source:     paymentdomain.ExchangeQuery,
				ExternalID: "fp_concurrent",
			})
			require.NoError(t, err)
		}
		return nil, paymentdomain.NewTransientError(paymenttest.GatewayName, "create", context.DeadlineExceeded)
	}

	result, err := h.Payments.Process(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, result.Transient)
	assert.Equal(t, paymentdomain.StatusProcessing, result.Payment.Status)
	assert.Equal(t, paymentdomain.StatusProcessing, h.Reload(t, payment.ID).Status)

	targetID := payment.ID.String()
	logs, err := h.Audit.List(ctx, auditdomain.ListFilter{Action: "payment.transition", TargetID: targetID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(paymentdomain.StatusProcessing), logs[0].Metadata["to"])
}

func TestProcessPermanentFailure(t *testing.T) {
	h := paymenttest.New(t)
	payment := h.CreateBooking(t, "100.00")
	h.Gateway.CreateFunc = func(*paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
		return nil, paymentdomain.NewPermanentError(paymenttest.GatewayName, "create", "card_blocked", "card is blocked")
	}

	result, err := h.Payments.Process(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusFailed, result.Payment.Status)
	assert.Equal(t, "card is blocked", result.Message)
	assert.Equal(t, "card is blocked", h.Reload(t, payment.ID).FailureReason)
	assert.Equal(t, 1, h.Gateway.Calls("create"))
	assert.Equal(t, 1, h.Notifier.Count(notify.TemplatePaymentFailed))
}

func TestCheckStatusSkipsSettledPayments(t *testing.T) {
	h := paymenttest.New(t)
	payment := h.Complete(t, h.CreateBooking(t, "100.00"))

	status, err := h.Payments.CheckStatus(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, status)
	assert.Zero(t, h.Gateway.Calls("query"))
}

func TestCancelSubmittedPayment(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "100.00")
	_, err := h.Payments.Process(ctx, payment.ID)
	require.NoError(t, err)

	cancelled, err := h.Payments.Cancel(ctx, payment.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.FailureReason)
	assert.Equal(t, 1, h.Gateway.Calls("cancel"))

	_, err = h.Payments.Cancel(ctx, payment.ID, "")
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
}

func TestCancelRequiresGatewaySupport(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "100.00")
	_, err := h.Payments.Process(ctx, payment.ID)
	require.NoError(t, err)

	h.Gateway.Caps.Cancel = false
	_, err = h.Payments.Cancel(ctx, payment.ID, "")
	require.ErrorIs(t, err, paymentdomain.ErrOperationUnsupported)
	assert.Equal(t, paymentdomain.StatusProcessing, h.Reload(t, payment.ID).Status)
}

func TestCancelPendingSkipsGateway(t *testing.T) {
	h := paymenttest.New(t)
	payment := h.CreateBooking(t, "100.00")

	cancelled, err := h.Payments.Cancel(context.Background(), payment.ID, "")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCancelled, cancelled.Status)
	assert.Zero(t, h.Gateway.Calls("cancel"))

	_, err = h.Payments.Cancel(context.Background(), payment.ID, strings.Repeat("x", 501))
	assert.Equal(t, "reason_too_long", validationCode(t, err))
}

func TestHoldAndRelease(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.CreateBooking(t, "100.00")

	_, err := h.Payments.Hold(ctx, payment.ID, " ")
	assert.Equal(t, "invalid_reason", validationCode(t, err))

	held, err := h.Payments.Hold(ctx, payment.ID, "velocity check")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusHeld, held.Status)

	status, err := h.Payments.CheckStatus(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusHeld, status)

	released, err := h.Payments.Release(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPending, released.Status)
	assert.Empty(t, released.MetaString(paymentdomain.MetaHoldReason))

	_, err = h.Payments.Release(ctx, payment.ID)
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
}

func TestProcessRejectsRefunds(t *testing.T) {
	h := paymenttest.New(t)
	ctx := context.Background()
	payment := h.Complete(t, h.CreateBooking(t, "100.00"))

	result, err := h.Payments.Refund(ctx, payment.ID, decimal.RequireFromString("10.00"), "", refundActor())
	require.NoError(t, err)

	_, err = h.Payments.Process(ctx, result.Refund.ID)
	require.ErrorIs(t, err, paymentdomain.ErrOperationUnsupported)
	_, err = h.Payments.Cancel(ctx, result.Refund.ID, "")
	require.ErrorIs(t, err, paymentdomain.ErrOperationUnsupported)
}

func TestGetUnknownPayment(t *testing.T) {
	h := paymenttest.New(t)
	_, err := h.Payments.Get(context.Background(), h.Node.Generate())
	require.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}

func refundActor() refunddomain.Actor {
	return refunddomain.Actor{Type: "admin", ID: "ops-1"}
}
