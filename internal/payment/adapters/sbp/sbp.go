package sbp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

const (
	Gateway = "sbp"
	ClientIPHeader = paymentdomain.HeaderClientIP
)

type Factory struct {
	opts []gatewayhttp.Option
}

func NewFactory(opts ...gatewayhttp.Option) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Gateway() string { return Gateway }

func (f *Factory) Methods() []paymentdomain.Method {
	return []paymentdomain.Method{paymentdomain.MethodBankQR}
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	values, err := cfg.Require("api_url", "token", "merchant_id")
	if err != nil {
		return nil, err
	}
	networks, err := parseAllowList(cfg.Config["allowed_ips"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s allowed_ips: %v", paymentdomain.ErrInvalidConfig, Gateway, err)
	}
	return &Adapter{
		client:     gatewayhttp.New(Gateway, values["api_url"], cfg.Timeout, cfg.Observer, f.opts...),
		token:      values["token"],
		merchantID: values["merchant_id"],
		allowed:    networks,
	}, nil
}

// Adapter talks to the bank QR gateway. Its notifications carry no signature,
// so they are trusted by source address only. That is a deployment decision,
// not proof of origin.
type Adapter struct {
	client     *gatewayhttp.Client
	token      string
	merchantID string
	allowed    []*net.IPNet
}

func (a *Adapter) Capabilities() paymentdomain.Capabilities {
	return paymentdomain.Capabilities{Webhooks: true, Refunds: true, Cancel: true, Polling: true}
}

type qrResponse struct {
	QRID    string `json:"qr_id"`
	Payload string `json:"payload"`
	Status  string `json:"status"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

func (a *Adapter) CreatePayment(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
	body := map[string]any{
		"merchant_id": a.merchantID,
		"amount":      payment.TotalAmount.StringFixed(2),
		"currency":    strings.ToUpper(payment.Currency),
		"order":       payment.Number,
		"purpose":     "Payment " + payment.Number,
	}
	var out qrResponse
	raw, err := a.client.Do(ctx, a.request("create", http.MethodPost, "/qr", body, paymentdomain.IdempotencyKey(payment)), &out)
	if err != nil {
		return nil, err
	}
	if out.QRID == "" || out.Payload == "" {
		return nil, paymentdomain.NewPermanentError(Gateway, "create", "invalid_response", "qr id or payload missing")
	}
	return &paymentdomain.CreateResult{
		ExternalID: out.QRID,
		QRPayload:  out.Payload,
		Status:     mapStatus(out.Status),
		Raw:        raw,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
	id := payment.External()
	if id == "" {
		return nil, paymentdomain.ErrExternalIDMissing
	}
	var out qrResponse
	raw, err := a.client.Do(ctx, a.request("query", http.MethodGet, "/qr/"+url.PathEscape(id)+"/status", nil, ""), &out)
	if err != nil {
		return nil, err
	}
	status := mapStatus(out.Status)
	return &paymentdomain.StatusResult{
		ExternalID:     id,
		Status:         status,
		Paid:           status == paymentdomain.StatusCompleted,
		ProviderStatus: out.Status,
		Raw:            raw,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, payment *paymentdomain.Payment, amount decimal.Decimal, idempotencyKey string) (*paymentdomain.RefundResult, error) {
	if payment.External() == "" {
		return nil, paymentdomain.ErrExternalIDMissing
	}
	body := map[string]any{
		"qr_id":    payment.External(),
		"amount":   amount.StringFixed(2),
		"currency": strings.ToUpper(payment.Currency),
	}
	var out refundResponse
	raw, err := a.client.Do(ctx, a.request("refund", http.MethodPost, "/refunds", body, idempotencyKey), &out)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.RefundResult{
		ExternalRefundID: out.RefundID,
		Status:           mapStatus(out.Status),
		Raw:              raw,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, payment *paymentdomain.Payment, reason string) (*paymentdomain.CancelResult, error) {
	if payment.External() == "" {
		return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled}, nil
	}
	raw, err := a.client.Do(ctx, a.request("cancel", http.MethodPost, "/qr/"+url.PathEscape(payment.External())+"/deactivate", nil, ""), nil)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled, Raw: raw}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	ip := net.ParseIP(strings.TrimSpace(headers.Get(ClientIPHeader)))
	if ip == nil {
		return paymentdomain.ErrInvalidSignature
	}
	for _, network := range a.allowed {
		if network.Contains(ip) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

type notification struct {
	QRID          string `json:"qr_id"`
	Status        string `json:"status"`
	OperationType string `json:"operation_type"`
	RefundID      string `json:"refund_id"`
	Order         string `json:"order"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	event := &paymentdomain.Event{
		Gateway:           Gateway,
		NativeType:        n.OperationType + "." + strings.ToLower(n.Status),
		ExternalPaymentID: n.QRID,
		PaymentNumber:     n.Order,
		Currency:          strings.ToUpper(n.Currency),
		RawPayload:        payload,
	}
	if n.OperationType == "refund" {
		event.Refund = true
		event.ExternalPaymentID = n.RefundID
		event.PaymentNumber = ""
	}
	if event.ExternalPaymentID == "" && event.PaymentNumber == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if amount, err := decimal.NewFromString(n.Amount); err == nil {
		event.Amount = amount
	}

	switch strings.ToUpper(n.Status) {
	case "ACCEPTED":
		event.Outcome = paymentdomain.OutcomeSucceeded
	case "REJECTED", "EXPIRED":
		event.Outcome = paymentdomain.OutcomeFailed
	default:
		event.Outcome = paymentdomain.OutcomeUnknown
	}
	return event, nil
}

func (a *Adapter) request(operation, method, path string, body any, key string) gatewayhttp.Request {
	req := gatewayhttp.Request{
		Operation:      operation,
		Method:         method,
		Path:           path,
		IdempotencyKey: key,
		BearerToken:    a.token,
	}
	if body != nil {
		req.JSON = body
	}
	return req
}

func mapStatus(status string) paymentdomain.Status {
	switch strings.ToUpper(status) {
	case "ACCEPTED":
		return paymentdomain.StatusCompleted
	case "REJECTED", "EXPIRED":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusProcessing
	}
}

// parseAllowList accepts a comma separated string or a list of CIDRs or
// bare addresses.
func parseAllowList(raw any) ([]*net.IPNet, error) {
	var items []string
	switch v := raw.(type) {
	case nil:
	case string:
		items = strings.Split(v, ",")
	case []string:
		items = v
	case []any:
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
	default:
		return nil, fmt.Errorf("unsupported type %T", raw)
	}

	var out []*net.IPNet
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			if ip := net.ParseIP(item); ip != nil && ip.To4() != nil {
				item += "/32"
			} else {
				item += "/128"
			}
		}
		_, network, err := net.ParseCIDR(item)
		if err != nil {
			return nil, err
		}
		out = append(out, network)
	}
	return out, nil
}
