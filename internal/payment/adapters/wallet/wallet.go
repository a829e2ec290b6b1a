package wallet

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/adapters/gatewayhttp"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

const Gateway = "wallet"

type Factory struct {
	opts []gatewayhttp.Option
}

func NewFactory(opts ...gatewayhttp.Option) *Factory {
	return &Factory{opts: opts}
}

func (f *Factory) Gateway() string { return Gateway }

func (f *Factory) Methods() []paymentdomain.Method {
	return []paymentdomain.Method{paymentdomain.MethodEWallet}
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	values, err := cfg.Require("api_url", "receiver", "token", "notification_secret")
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:     gatewayhttp.New(Gateway, values["api_url"], cfg.Timeout, cfg.Observer, f.opts...),
		apiURL:     strings.TrimRight(values["api_url"], "/"),
		receiver:   values["receiver"],
		token:      values["token"],
		secret:     values["notification_secret"],
		successURL: cfg.String("success_url"),
	}, nil
}

// Adapter drives the e-wallet quickpay flow: the buyer is sent to the wallet
// with a form post and the wallet reports back with a form-encoded
// notification. The wallet has no refund API.
type Adapter struct {
	client     *gatewayhttp.Client
	apiURL     string
	receiver   string
	token      string
	secret     string
	successURL string
}

func (a *Adapter) Capabilities() paymentdomain.Capabilities {
	return paymentdomain.Capabilities{Webhooks: true, Polling: true}
}

func (a *Adapter) CreatePayment(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
	successURL := payment.MetaString(paymentdomain.MetaReturnURL)
	if successURL == "" {
		successURL = a.successURL
	}
	fields := map[string]string{
		"receiver":      a.receiver,
		"quickpay-form": "button",
		"paymentType":   "PC",
		"sum":           payment.TotalAmount.StringFixed(2),
		"label":         payment.Number,
		"successURL":    successURL,
	}
	return &paymentdomain.CreateResult{
		Status:      paymentdomain.StatusProcessing,
		RedirectURL: a.apiURL + "/quickpay/confirm",
		FormFields:  fields,
	}, nil
}

type operation struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Label       string `json:"label"`
	Amount      string `json:"amount"`
}

// QueryStatus searches the wallet history by label since the operation id is
// only learned from the notification.
func (a *Adapter) QueryStatus(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
	var out struct {
		Operations []operation `json:"operations"`
	}
	raw, err := a.client.Do(ctx, gatewayhttp.Request{
		Operation:   "query",
		Method:      http.MethodPost,
		Path:        "/api/operation-history",
		Form:        url.Values{"label": {payment.Number}, "type": {"deposition"}},
		BearerToken: a.token,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Operations) == 0 {
		return &paymentdomain.StatusResult{Status: payment.Status, Raw: raw}, nil
	}

	op := out.Operations[0]
	result := &paymentdomain.StatusResult{
		ExternalID:     op.OperationID,
		ProviderStatus: op.Status,
		Raw:            raw,
	}
	switch op.Status {
	case "success":
		result.Status = paymentdomain.StatusCompleted
		result.Paid = true
	case "refused":
		result.Status = paymentdomain.StatusFailed
	default:
		result.Status = paymentdomain.StatusProcessing
	}
	return result, nil
}

func (a *Adapter) Refund(ctx context.Context, payment *paymentdomain.Payment, amount decimal.Decimal, idempotencyKey string) (*paymentdomain.RefundResult, error) {
	return nil, paymentdomain.NewPermanentError(Gateway, "refund", "refund_unsupported", "wallet gateway has no refund api")
}

// Cancel has nothing to revoke remotely: an unpaid quickpay form simply expires.
func (a *Adapter) Cancel(ctx context.Context, payment *paymentdomain.Payment, reason string) (*paymentdomain.CancelResult, error) {
	return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled}, nil
}

var signedFields = []string{"notification_type", "operation_id", "amount", "currency", "datetime", "sender", "codepro"}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	got := strings.ToLower(strings.TrimSpace(values.Get("sha1_hash")))
	if got == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(Sign(a.secret, values))) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	label := strings.TrimSpace(values.Get("label"))
	operationID := strings.TrimSpace(values.Get("operation_id"))
	if label == "" || operationID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.Event{
		Gateway:           Gateway,
		NativeType:        values.Get("notification_type"),
		ExternalPaymentID: operationID,
		PaymentNumber:     label,
		Outcome:           paymentdomain.OutcomeUnknown,
		RawPayload:        payload,
	}
	if amount, err := decimal.NewFromString(values.Get("withdraw_amount")); err == nil {
		event.Amount = amount
	}
	// Protected or frozen transfers are not spendable yet.
	if values.Get("codepro") == "false" && values.Get("unaccepted") != "true" {
		event.Outcome = paymentdomain.OutcomeSucceeded
	}
	return event, nil
}

// Sign computes the notification hash over the fixed field order with the
// secret inserted before the label.
func Sign(secret string, values url.Values) string {
	parts := make([]string, 0, len(signedFields)+2)
	for _, field := range signedFields {
		parts = append(parts, values.Get(field))
	}
	parts = append(parts, secret, values.Get("label"))
	sum := sha1.Sum([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}
