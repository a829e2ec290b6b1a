package card

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

const (
	Gateway         = "card"
	SignatureHeader = "X-Card-Signature"
	idempotenceKey  = "Idempotence-Key"
)

type Factory struct {
	opts []gatewayhttp.Option
}

func NewFactory(opts ...gatewayhttp.Option) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Gateway() string { return Gateway }

func (f *Factory) Methods() []paymentdomain.Method {
	return []paymentdomain.Method{paymentdomain.MethodCard}
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	values, err := cfg.Require("api_url", "shop_id", "secret_key", "webhook_secret")
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:        gatewayhttp.New(Gateway, values["api_url"], cfg.Timeout, cfg.Observer, f.opts...),
		shopID:        values["shop_id"],
		secretKey:     values["secret_key"],
		webhookSecret: values["webhook_secret"],
		returnURL:     cfg.String("return_url"),
	}, nil
}

type Adapter struct {
	client        *gatewayhttp.Client
	shopID        string
	secretKey     string
	webhookSecret string
	returnURL     string
}

func (a *Adapter) Capabilities() paymentdomain.Capabilities {
	return paymentdomain.Capabilities{Webhooks: true, Refunds: true, Cancel: true, Polling: true}
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type cardPayment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       money             `json:"amount"`
	Confirmation *confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Cancellation *struct {
		Party  string `json:"party"`
		Reason string `json:"reason"`
	} `json:"cancellation_details,omitempty"`
}

type cardRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (a *Adapter) CreatePayment(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
	returnURL := payment.MetaString(paymentdomain.MetaReturnURL)
	if returnURL == "" {
		returnURL = a.returnURL
	}
	body := map[string]any{
		"amount":       moneyOf(payment.TotalAmount, payment.Currency),
		"capture":      true,
		"confirmation": confirmation{Type: "redirect", ReturnURL: returnURL},
		"description":  description(payment),
		"metadata": map[string]string{
			"payment_number": payment.Number,
			"payment_id":     payment.ID.String(),
		},
	}

	var out cardPayment
	raw, err := a.client.Do(ctx, a.request("create", http.MethodPost, "/payments", body, paymentdomain.IdempotencyKey(payment)), &out)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, paymentdomain.NewPermanentError(Gateway, "create", "invalid_response", "payment id missing")
	}

	result := &paymentdomain.CreateResult{
		ExternalID: out.ID,
		Status:     mapStatus(out.Status),
		Raw:        raw,
	}
	if out.Confirmation != nil {
		result.RedirectURL = out.Confirmation.ConfirmationURL
	}
	return result, nil
}

// QueryStatus falls back to a metadata search when the create call never
// returned, so a timed out payment can still be found by its number.
func (a *Adapter) QueryStatus(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
	var (
		out cardPayment
		raw []byte
		err error
	)
	if id := payment.External(); id != "" {
		raw, err = a.client.Do(ctx, a.request("query", http.MethodGet, "/payments/"+url.PathEscape(id), nil, ""), &out)
	} else {
		req := a.request("query", http.MethodGet, "/payments", nil, "")
		req.Query = url.Values{"metadata.payment_number": {payment.Number}}
		var list struct {
			Items []cardPayment `json:"items"`
		}
		raw, err = a.client.Do(ctx, req, &list)
		if err == nil {
			if len(list.Items) == 0 {
				return &paymentdomain.StatusResult{Status: payment.Status, Raw: raw}, nil
			}
			out = list.Items[0]
		}
	}
	if err != nil {
		return nil, err
	}

	return &paymentdomain.StatusResult{
		ExternalID:     out.ID,
		Status:         mapStatus(out.Status),
		Paid:           out.Paid,
		ProviderStatus: out.Status,
		Raw:            raw,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, payment *paymentdomain.Payment, amount decimal.Decimal, idempotencyKey string) (*paymentdomain.RefundResult, error) {
	if payment.External() == "" {
		return nil, paymentdomain.ErrExternalIDMissing
	}
	body := map[string]any{
		"payment_id": payment.External(),
		"amount":     moneyOf(amount, payment.Currency),
	}
	var out cardRefund
	raw, err := a.client.Do(ctx, a.request("refund", http.MethodPost, "/refunds", body, idempotencyKey), &out)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.RefundResult{
		ExternalRefundID: out.ID,
		Status:           mapRefundStatus(out.Status),
		Raw:              raw,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, payment *paymentdomain.Payment, reason string) (*paymentdomain.CancelResult, error) {
	if payment.External() == "" {
		return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled}, nil
	}
	path := "/payments/" + url.PathEscape(payment.External()) + "/cancel"
	var out cardPayment
	raw, err := a.client.Do(ctx, a.request("cancel", http.MethodPost, path, map[string]string{"reason": reason}, paymentdomain.IdempotencyKey(payment)+"-cancel"), &out)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.CancelResult{Status: mapStatus(out.Status), Raw: raw}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(a.webhookSecret, payload))) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type notification struct {
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(n.Event) == "" || len(n.Object) == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var obj cardPayment
	if err := json.Unmarshal(n.Object, &obj); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.Event{
		Gateway:           Gateway,
		NativeType:        n.Event,
		ExternalPaymentID: obj.ID,
		PaymentNumber:     obj.Metadata["payment_number"],
		Outcome:           paymentdomain.OutcomeUnknown,
		Currency:          strings.ToUpper(obj.Amount.Currency),
		RawPayload:        payload,
	}
	if amount, err := decimal.NewFromString(obj.Amount.Value); err == nil {
		event.Amount = amount
	}

	switch n.Event {
	case "payment.succeeded":
		event.Outcome = paymentdomain.OutcomeSucceeded
	case "payment.canceled":
		event.Outcome = paymentdomain.OutcomeCancelled
	case "payment.failed":
		event.Outcome = paymentdomain.OutcomeFailed
	case "payment.dispute_opened":
		event.Outcome = paymentdomain.OutcomeDisputed
	case "refund.succeeded":
		event.Outcome = paymentdomain.OutcomeSucceeded
		event.Refund = true
	case "refund.canceled", "refund.failed":
		event.Outcome = paymentdomain.OutcomeFailed
		event.Refund = true
	}
	return event, nil
}

// Sign returns the hex HMAC-SHA256 the gateway puts in SignatureHeader.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) request(operation, method, path string, body any, key string) gatewayhttp.Request {
	return gatewayhttp.Request{
		Operation:         operation,
		Method:            method,
		Path:              path,
		JSON:              body,
		IdempotencyKey:    key,
		IdempotencyHeader: idempotenceKey,
		BasicAuth:         [2]string{a.shopID, a.secretKey},
	}
}

func mapStatus(status string) paymentdomain.Status {
	switch status {
	case "succeeded":
		return paymentdomain.StatusCompleted
	case "waiting_for_capture":
		return paymentdomain.StatusAuthorized
	case "canceled":
		return paymentdomain.StatusCancelled
	case "failed":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusProcessing
	}
}

func mapRefundStatus(status string) paymentdomain.Status {
	switch status {
	case "succeeded":
		return paymentdomain.StatusCompleted
	case "canceled", "failed":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusProcessing
	}
}

func moneyOf(amount decimal.Decimal, currency string) money {
	return money{Value: amount.StringFixed(2), Currency: strings.ToUpper(currency)}
}

func description(p *paymentdomain.Payment) string {
	if d := p.MetaString(paymentdomain.MetaDescription); d != "" {
		return d
	}
	return "Payment " + p.Number
}
