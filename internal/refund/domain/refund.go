package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

type RejectionCode string

const (
	RejectInvalidAmount            RejectionCode = "invalid_amount"
	RejectReasonTooLong            RejectionCode = "reason_too_long"
	RejectNotRefundable            RejectionCode = "not_refundable"
	RejectExceedsRemaining         RejectionCode = "exceeds_remaining"
	RejectDeadlineExceeded         RejectionCode = "deadline_exceeded"
	RejectServiceStarted           RejectionCode = "service_started"
	RejectDepositServiceStarted    RejectionCode = "deposit_service_started"
	RejectDailyLimitExceeded       RejectionCode = "daily_limit_exceeded"
	RejectMonthlyLimitExceeded     RejectionCode = "monthly_limit_exceeded"
	RejectThrottled                RejectionCode = "throttled"
	RejectGatewayRefundUnsupported RejectionCode = "gateway_refund_unsupported"
)

var (
	ErrRefundNotFound = errors.New("refund_not_found")
	ErrNotARefund     = errors.New("payment_is_not_a_refund")
)

// RejectionError is a business refusal of a refund request. Nothing is
// written when one is returned.
type RejectionError struct {
	Code    RejectionCode
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func Reject(code RejectionCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

const DefaultMaxReasonLength = 500

// Policy bounds who may refund what and when.
type Policy struct {
	MaxReasonLength int
	Windows         map[paymentdomain.Type]time.Duration
	DefaultWindow   time.Duration
	// Zero disables the corresponding limit.
	DailyCountLimit    int
	MonthlyAmountLimit decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MaxReasonLength: DefaultMaxReasonLength,
		Windows: map[paymentdomain.Type]time.Duration{
			paymentdomain.TypeServicePayment: 14 * 24 * time.Hour,
			paymentdomain.TypeDeposit:        7 * 24 * time.Hour,
		},
		DefaultWindow:      30 * 24 * time.Hour,
		DailyCountLimit:    5,
		MonthlyAmountLimit: decimal.NewFromInt(500000),
	}
}

// WindowFor returns how long after confirmation a payment of type t may be refunded.
func (p Policy) WindowFor(t paymentdomain.Type) time.Duration {
	if window, ok := p.Windows[t]; ok && window > 0 {
		return window
	}
	return p.DefaultWindow
}

type PolicySource interface {
	RefundPolicy() Policy
}

type StaticPolicy Policy

func (s StaticPolicy) RefundPolicy() Policy { return Policy(s) }

// Actor is who asked for a refund; empty values fall back to the request
// context.
type Actor struct {
	Type string
	ID   string
}

type Request struct {
	PaymentID snowflake.ID
	Amount    decimal.Decimal
	Reason    string
	Actor     Actor
}

type Result struct {
	Refund *paymentdomain.Payment
	Parent *paymentdomain.Payment
}

type Service interface {
	Refund(ctx context.Context, req Request) (*Result, error)
	// Resume re-drives a refund whose gateway call did not reach a final answer.
	Resume(ctx context.Context, refundID snowflake.ID) (*Result, error)
}

// Throttle limits how often a user may ask for refunds.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}
