// Package paymenttest wires the payment core over an in-memory database and
// a scriptable gateway for package tests.
package paymenttest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

const (
	GatewayName     = "fakepay"
	SignatureHeader = "X-Fakepay-Signature"
	WebhookSecret   = "whsec_fakepay"
)

// Gateway is a programmable adapter and its own factory. Unset funcs
// succeed.
type Gateway struct {
	mu sync.Mutex

	Caps       paymentdomain.Capabilities
	CreateFunc func(payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error)
	QueryFunc  func(payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error)
	RefundFunc func(payment *paymentdomain.Payment, amount decimal.Decimal, key string) (*paymentdomain.RefundResult, error)
	CancelFunc func(payment *paymentdomain.Payment) (*paymentdomain.CancelResult, error)

	calls      map[string]int
	refundKeys []string
}

func NewGateway() *Gateway {
	return &Gateway{
		Caps:  paymentdomain.Capabilities{Webhooks: true, Refunds: true, Cancel: true, Polling: true},
		calls: map[string]int{},
	}
}

func (g *Gateway) Gateway() string { return GatewayName }

func (g *Gateway) Methods() []paymentdomain.Method {
	return []paymentdomain.Method{paymentdomain.MethodCard, paymentdomain.MethodBankQR}
}

func (g *Gateway) NewAdapter(paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	return g, nil
}

func (g *Gateway) Capabilities() paymentdomain.Capabilities { return g.Caps }

// Calls returns how often op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) RefundKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refundKeys...)
}

func (g *Gateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
}

func (g *Gateway) CreatePayment(_ context.Context, payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
	g.count("create")
	if g.CreateFunc != nil {
		return g.CreateFunc(payment)
	}
	return &paymentdomain.CreateResult{
		ExternalID:  "fp_" + payment.Number,
		Status:      paymentdomain.StatusProcessing,
		RedirectURL: "https://fakepay.test/pay/" + payment.Number,
		Raw:         []byte(`{"status":"created"}`),
	}, nil
}

func (g *Gateway) QueryStatus(_ context.Context, payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
	g.count("query")
	if g.QueryFunc != nil {
		return g.QueryFunc(payment)
	}
	return &paymentdomain.StatusResult{ExternalID: payment.External(), Status: payment.Status}, nil
}

func (g *Gateway) Refund(_ context.Context, payment *paymentdomain.Payment, amount decimal.Decimal, key string) (*paymentdomain.RefundResult, error) {
	g.count("refund")
	g.mu.Lock()
	g.refundKeys = append(g.refundKeys, key)
	g.mu.Unlock()
	if g.RefundFunc != nil {
		return g.RefundFunc(payment, amount, key)
	}
	return &paymentdomain.RefundResult{
		ExternalRefundID: "fpr_" + key,
		Status:           paymentdomain.StatusCompleted,
		Raw:              []byte(`{"status":"refunded"}`),
	}, nil
}

func (g *Gateway) Cancel(_ context.Context, payment *paymentdomain.Payment, _ string) (*paymentdomain.CancelResult, error) {
	g.count("cancel")
	if g.CancelFunc != nil {
		return g.CancelFunc(payment)
	}
	return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled}, nil
}

func (g *Gateway) Verify(_ context.Context, _ []byte, headers http.Header) error {
	if headers.Get(SignatureHeader) != WebhookSecret {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

// Notification is the webhook body understood by the fake gateway.
type Notification struct {
	ID     string `json:"id"`
	Number string `json:"number,omitempty"`
	Event  string `json:"event"`
	Refund bool   `json:"refund,omitempty"`
}

func (g *Gateway) Parse(_ context.Context, payload []byte) (*paymentdomain.Event, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	outcome := paymentdomain.OutcomeUnknown
	switch n.Event {
	case "paid", "refunded":
		outcome = paymentdomain.OutcomeSucceeded
	case "declined":
		outcome = paymentdomain.OutcomeFailed
	case "voided":
		outcome = paymentdomain.OutcomeCancelled
	case "chargeback":
		outcome = paymentdomain.OutcomeDisputed
	}
	return &paymentdomain.Event{
		Gateway:           GatewayName,
		NativeType:        n.Event,
		ExternalPaymentID: n.ID,
		PaymentNumber:     n.Number,
		Outcome:           outcome,
		Refund:            n.Refund,
		RawPayload:        payload,
	}, nil
}

// Body encodes a notification.
func Body(n Notification) []byte {
	raw, _ := json.Marshal(n)
	return raw
}

// Signed returns headers that pass verification.
func Signed() http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, WebhookSecret)
	return h
}
