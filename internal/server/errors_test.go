package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "payment validation", err: paymentdomain.NewValidationError("invalid_amount", "amount must be positive"), status: http.StatusBadRequest, kind: "validation_error"},
		{name: "request validation", err: invalidRequestError(), status: http.StatusBadRequest, kind: "validation_error"},
		{name: "signature", err: fmt.Errorf("%w: bad mac", paymentdomain.ErrInvalidSignature), status: http.StatusBadRequest, kind: "invalid_request"},
		{name: "payload", err: paymentdomain.ErrInvalidPayload, status: http.StatusBadRequest, kind: "invalid_request"},
		{name: "payment not found", err: paymentdomain.ErrPaymentNotFound, status: http.StatusNotFound, kind: "not_found"},
		{name: "gateway not found", err: fmt.Errorf("%w: %q", paymentdomain.ErrGatewayNotFound, "x"), status: http.StatusNotFound, kind: "not_found"},
		{name: "transition", err: &statemachine.TransitionError{From: paymentdomain.StatusFailed, To: paymentdomain.StatusCompleted}, status: http.StatusConflict, kind: "conflict"},
		{name: "rejection", err: refunddomain.Reject(refunddomain.RejectExceedsRemaining, "too much"), status: http.StatusUnprocessableEntity, kind: "refund_rejected"},
		{name: "throttled", err: refunddomain.Reject(refunddomain.RejectThrottled, "slow down"), status: http.StatusTooManyRequests, kind: "refund_rejected"},
		{name: "unsupported", err: fmt.Errorf("%w: no cancel", paymentdomain.ErrOperationUnsupported), status: http.StatusUnprocessableEntity, kind: "unprocessable"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, kind: "internal_error"},
		{name: "nil", err: nil, status: http.StatusInternalServerError, kind: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := mapError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, payload.Type)
		})
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(refunddomain.Reject(refunddomain.RejectNotRefundable, "payment is failed"))
	assert.Equal(t, "refund_rejected", kind)
	assert.Equal(t, "not_refundable", code)

	kind, code = classifyErrorForLog(paymentdomain.NewTransientError("fakepay", "create", errors.New("timeout")))
	assert.Equal(t, "gateway", kind)
	assert.Equal(t, "transient", code)

	kind, code = classifyErrorForLog(paymentdomain.NewValidationError("unsupported_currency", "EUR"))
	assert.Equal(t, "validation_error", kind)
	assert.Equal(t, "unsupported_currency", code)
}
