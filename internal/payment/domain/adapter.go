package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HeaderClientIP carries the webhook sender address as resolved from the TCP
// peer and trusted proxies. Any inbound value is replaced.
const HeaderClientIP = "X-Real-IP"

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDisputed  Outcome = "disputed"
	OutcomeUnknown   Outcome = "unknown"
)

// Event is a gateway notification normalized by its adapter.
type Event struct {
	Gateway           string
	NativeType        string
	ExternalPaymentID string
	PaymentNumber     string
	Outcome           Outcome
	Refund            bool
	Amount            decimal.Decimal
	Currency          string
	RawPayload        []byte
}

// DedupKey identifies a delivery of the same fact.
func (e Event) DedupKey() string {
	ref := e.ExternalPaymentID
	if ref == "" {
		ref = e.PaymentNumber
	}
	if e.Refund {
		return ref + ":refund:" + string(e.Outcome)
	}
	return ref + ":" + string(e.Outcome)
}

type Capabilities struct {
	Webhooks bool
	Refunds  bool
	Cancel   bool
	Polling  bool
}

type CreateResult struct {
	ExternalID  string
	Status      Status
	RedirectURL string
	QRPayload   string
	FormFields  map[string]string
	Raw         []byte
}

type StatusResult struct {
	ExternalID     string
	Status         Status
	Paid           bool
	ProviderStatus string
	Raw            []byte
}

type RefundResult struct {
	ExternalRefundID string
	Status           Status
	Raw              []byte
}

type CancelResult struct {
	Status Status
	Raw    []byte
}

// GatewayAdapter speaks to one payment provider. Implementations never retry.
type GatewayAdapter interface {
	Capabilities() Capabilities
	CreatePayment(ctx context.Context, payment *Payment) (*CreateResult, error)
	QueryStatus(ctx context.Context, payment *Payment) (*StatusResult, error)
	Refund(ctx context.Context, payment *Payment, amount decimal.Decimal, idempotencyKey string) (*RefundResult, error)
	Cancel(ctx context.Context, payment *Payment, reason string) (*CancelResult, error)
	// Verify sees the request headers with HeaderClientIP overwritten by the
	// HTTP layer.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

// CallObserver receives timing of outbound gateway calls.
type CallObserver interface {
	ObserveGatewayCall(gateway, operation, outcome string, elapsed time.Duration)
}

type AdapterConfig struct {
	Gateway  string
	Config   map[string]any
	Timeout  time.Duration
	Observer CallObserver
}

func (c AdapterConfig) String(key string) string {
	if c.Config == nil {
		return ""
	}
	switch v := c.Config[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Require returns the named keys or ErrInvalidConfig naming the first missing one.
func (c AdapterConfig) Require(keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		value := c.String(key)
		if value == "" {
			return nil, fmt.Errorf("%w: %s missing %s", ErrInvalidConfig, c.Gateway, key)
		}
		out[key] = value
	}
	return out, nil
}

type AdapterFactory interface {
	Gateway() string
	Methods() []Method
	NewAdapter(cfg AdapterConfig) (GatewayAdapter, error)
}

type GatewayErrorKind string

const (
	GatewayErrorTransient GatewayErrorKind = "transient"
	GatewayErrorPermanent GatewayErrorKind = "permanent"
)

type GatewayError struct {
	Gateway    string
	Operation  string
	Kind       GatewayErrorKind
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(e.Gateway)
	if e.Operation != "" {
		b.WriteString(" ")
		b.WriteString(e.Operation)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " http %d", e.HTTPStatus)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) GatewayName() string { return e.Gateway }

func NewPermanentError(gateway, operation, code, message string) *GatewayError {
	return &GatewayError{Gateway: gateway, Operation: operation, Kind: GatewayErrorPermanent, Code: code, Message: message}
}

func NewTransientError(gateway, operation string, err error) *GatewayError {
	return &GatewayError{Gateway: gateway, Operation: operation, Kind: GatewayErrorTransient, Err: err}
}

// IsTransient reports whether a retry may succeed. Deadlines and network
// timeouts count as transient even when not wrapped by an adapter.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind == GatewayErrorTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func IsPermanent(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Kind == GatewayErrorPermanent
}

// FailureMessage is the text stored as a payment failure reason.
func FailureMessage(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Message != "" {
			return gwErr.Message
		}
		if gwErr.Code != "" {
			return gwErr.Code
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var idempotencyNamespace = uuid.MustParse("6f1c7c6e-3a53-4c1e-9c55-7b0f4f3f2a10")

// IdempotencyKey is stable for the lifetime of a payment so that retried
// gateway calls collapse into one operation on the provider side.
func IdempotencyKey(p *Payment) string {
	seed := p.Number + "|" + p.CreatedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(idempotencyNamespace, []byte(seed)).String()
}
