package checkout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

const (
	Gateway          = "checkout"
	SignatureHeader  = "Checkout-Signature"
	defaultTolerance = 5 * time.Minute
)

type Factory struct {
	opts []gatewayhttp.Option
	now  func() time.Time
}

func NewFactory(opts ...gatewayhttp.Option) *Factory {
	return &Factory{opts: opts, now: time.Now}
}

func (f *Factory) Gateway() string { return Gateway }

func (f *Factory) Methods() []paymentdomain.Method {
	return []paymentdomain.Method{paymentdomain.MethodHostedCheckout}
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	values, err := cfg.Require("api_url", "api_key", "webhook_secret")
	if err != nil {
		return nil, err
	}
	tolerance := defaultTolerance
	if raw := cfg.String("tolerance_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("%w: %s tolerance_seconds", paymentdomain.ErrInvalidConfig, Gateway)
		}
		tolerance = time.Duration(seconds) * time.Second
	}
	return &Adapter{
		client:        gatewayhttp.New(Gateway, values["api_url"], cfg.Timeout, cfg.Observer, f.opts...),
		apiKey:        values["api_key"],
		webhookSecret: values["webhook_secret"],
		successURL:    cfg.String("success_url"),
		cancelURL:     cfg.String("cancel_url"),
		tolerance:     tolerance,
		now:           f.now,
	}, nil
}

type Adapter struct {
	client        *gatewayhttp.Client
	apiKey        string
	webhookSecret string
	successURL    string
	cancelURL     string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Capabilities() paymentdomain.Capabilities {
	return paymentdomain.Capabilities{Webhooks: true, Refunds: true, Cancel: true, Polling: true}
}

type session struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	ClientRef     string            `json:"client_reference_id"`
}

type refund struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) CreatePayment(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
	successURL := payment.MetaString(paymentdomain.MetaReturnURL)
	if successURL == "" {
		successURL = a.successURL
	}
	form := url.Values{
		"mode":                     {"payment"},
		"amount":                   {strconv.FormatInt(minorUnits(payment.TotalAmount), 10)},
		"currency":                 {strings.ToLower(payment.Currency)},
		"client_reference_id":      {payment.Number},
		"metadata[payment_number]": {payment.Number},
		"success_url":              {successURL},
		"cancel_url":               {a.cancelURL},
	}

	var out session
	raw, err := a.client.Do(ctx, a.request("create", http.MethodPost, "/v1/checkout/sessions", form, paymentdomain.IdempotencyKey(payment)), &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, paymentdomain.NewPermanentError(Gateway, "create", "invalid_response", "session id missing")
	}
	return &paymentdomain.CreateResult{
		ExternalID:  out.ID,
		RedirectURL: out.URL,
		Status:      mapSession(out),
		Raw:         raw,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
	id := payment.External()
	if id == "" {
		return nil, paymentdomain.ErrExternalIDMissing
	}
	var out session
	raw, err := a.client.Do(ctx, a.request("query", http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, ""), &out)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.StatusResult{
		ExternalID:     out.ID,
		Status:         mapSession(out),
		Paid:           out.PaymentStatus == "paid",
		ProviderStatus: out.Status + "/" + out.PaymentStatus,
		Raw:            raw,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, payment *paymentdomain.Payment, amount decimal.Decimal, idempotencyKey string) (*paymentdomain.RefundResult, error) {
	if payment.External() == "" {
		return nil, paymentdomain.ErrExternalIDMissing
	}
	form := url.Values{
		"session":                  {payment.External()},
		"amount":                   {strconv.FormatInt(minorUnits(amount), 10)},
		"metadata[payment_number]": {payment.Number},
	}
	var out refund
	raw, err := a.client.Do(ctx, a.request("refund", http.MethodPost, "/v1/refunds", form, idempotencyKey), &out)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.RefundResult{
		ExternalRefundID: out.ID,
		Status:           mapRefund(out.Status),
		Raw:              raw,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, payment *paymentdomain.Payment, reason string) (*paymentdomain.CancelResult, error) {
	if payment.External() == "" {
		return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled}, nil
	}
	var out session
	raw, err := a.client.Do(ctx, a.request("cancel", http.MethodPost, "/v1/checkout/sessions/"+url.PathEscape(payment.External())+"/expire", url.Values{}, ""), &out)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.CancelResult{Status: mapSession(out), Raw: raw}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > a.tolerance || age < -a.tolerance {
		return paymentdomain.ErrInvalidSignature
	}

	expected := Sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

type checkoutEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var evt checkoutEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(evt.ID) == "" || len(evt.Data.Object) == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(evt.Type) {
	case "refund.succeeded", "refund.failed", "refund.canceled":
		return a.parseRefund(evt, payload)
	default:
		return a.parseSession(evt, payload)
	}
}

func (a *Adapter) parseSession(evt checkoutEvent, payload []byte) (*paymentdomain.Event, error) {
	var s session
	if err := json.Unmarshal(evt.Data.Object, &s); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	number := s.Metadata["payment_number"]
	if number == "" {
		number = s.ClientRef
	}
	if s.ID == "" && number == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.Event{
		Gateway:           Gateway,
		NativeType:        evt.Type,
		ExternalPaymentID: s.ID,
		PaymentNumber:     number,
		Outcome:           paymentdomain.OutcomeUnknown,
		Amount:            decimal.New(s.AmountTotal, -2),
		Currency:          strings.ToUpper(s.Currency),
		RawPayload:        payload,
	}
	switch evt.Type {
	case "checkout.session.completed":
		if s.PaymentStatus == "paid" {
			event.Outcome = paymentdomain.OutcomeSucceeded
		}
	case "checkout.session.async_payment_succeeded":
		event.Outcome = paymentdomain.OutcomeSucceeded
	case "checkout.session.async_payment_failed":
		event.Outcome = paymentdomain.OutcomeFailed
	case "checkout.session.expired":
		event.Outcome = paymentdomain.OutcomeCancelled
	case "charge.dispute.created":
		event.Outcome = paymentdomain.OutcomeDisputed
		// Dispute objects carry their own id; correlate through metadata.
		event.ExternalPaymentID = ""
		if event.PaymentNumber == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
	}
	return event, nil
}

func (a *Adapter) parseRefund(evt checkoutEvent, payload []byte) (*paymentdomain.Event, error) {
	var r refund
	if err := json.Unmarshal(evt.Data.Object, &r); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if r.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	outcome := paymentdomain.OutcomeFailed
	if evt.Type == "refund.succeeded" {
		outcome = paymentdomain.OutcomeSucceeded
	}
	return &paymentdomain.Event{
		Gateway:           Gateway,
		NativeType:        evt.Type,
		ExternalPaymentID: r.ID,
		Outcome:           outcome,
		Refund:            true,
		Amount:            decimal.New(r.Amount, -2),
		Currency:          strings.ToUpper(r.Currency),
		RawPayload:        payload,
	}, nil
}

// Sign returns the v1 signature for a timestamp and payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func (a *Adapter) request(operation, method, path string, form url.Values, key string) gatewayhttp.Request {
	return gatewayhttp.Request{
		Operation:      operation,
		Method:         method,
		Path:           path,
		Form:           form,
		IdempotencyKey: key,
		BearerToken:    a.apiKey,
	}
}

func mapSession(s session) paymentdomain.Status {
	switch {
	case s.Status == "complete" && s.PaymentStatus == "paid":
		return paymentdomain.StatusCompleted
	case s.Status == "expired":
		return paymentdomain.StatusCancelled
	default:
		return paymentdomain.StatusProcessing
	}
}

func mapRefund(status string) paymentdomain.Status {
	switch status {
	case "succeeded":
		return paymentdomain.StatusCompleted
	case "failed", "canceled":
		return paymentdomain.StatusFailed
	default:
		return paymentdomain.StatusProcessing
	}
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
