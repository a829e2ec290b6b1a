package wallet

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, apiURL string) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Gateway: Gateway,
		Timeout: time.Second,
		Config: map[string]any{
			"api_url":             apiURL,
			"receiver":            "41001000000",
			"token":               "tok",
			"notification_secret": "s3cret",
		},
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func notificationValues() url.Values {
	return url.Values{
		"notification_type": {"p2p-incoming"},
		"operation_id":      {"op-1"},
		"amount":            {"995.00"},
		"withdraw_amount":   {"1000.00"},
		"currency":          {"643"},
		"datetime":          {"2026-01-02T03:04:05Z"},
		"sender":            {"41001111111"},
		"codepro":           {"false"},
		"label":             {"PAY-1"},
	}
}

func TestSignMatchesReferenceString(t *testing.T) {
	values := notificationValues()
	// notification_type&operation_id&amount&currency&datetime&sender&codepro&secret&label
	sum := sha1.Sum([]byte("p2p-incoming&op-1&995.00&643&2026-01-02T03:04:05Z&41001111111&false&s3cret&PAY-1"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Sign("s3cret", values))

	values.Set("sha1_hash", Sign("s3cret", values))
	adapter := newAdapter(t, "http://unused")
	require.NoError(t, adapter.Verify(context.Background(), []byte(values.Encode()), nil))
}

func TestVerifyRejectsTampering(t *testing.T) {
	adapter := newAdapter(t, "http://unused")
	values := notificationValues()
	values.Set("sha1_hash", Sign("s3cret", values))
	values.Set("amount", "1.00")

	assert.ErrorIs(t, adapter.Verify(context.Background(), []byte(values.Encode()), nil), paymentdomain.ErrInvalidSignature)

	values.Del("sha1_hash")
	assert.ErrorIs(t, adapter.Verify(context.Background(), []byte(values.Encode()), nil), paymentdomain.ErrInvalidSignature)
}

func TestParse(t *testing.T) {
	adapter := newAdapter(t, "http://unused")

	values := notificationValues()
	event, err := adapter.Parse(context.Background(), []byte(values.Encode()))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeSucceeded, event.Outcome)
	assert.Equal(t, "PAY-1", event.PaymentNumber)
	assert.Equal(t, "op-1", event.ExternalPaymentID)
	assert.True(t, event.Amount.Equal(decimal.NewFromInt(1000)))

	values.Set("codepro", "true")
	event, err = adapter.Parse(context.Background(), []byte(values.Encode()))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeUnknown, event.Outcome)

	values.Del("label")
	_, err = adapter.Parse(context.Background(), []byte(values.Encode()))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}

func TestCreateReturnsFormFields(t *testing.T) {
	adapter := newAdapter(t, "https://wallet.example/")
	res, err := adapter.CreatePayment(context.Background(), &paymentdomain.Payment{
		Number:      "PAY-1",
		TotalAmount: decimal.RequireFromString("1035.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.example/quickpay/confirm", res.RedirectURL)
	assert.Equal(t, "1035.00", res.FormFields["sum"])
	assert.Equal(t, "PAY-1", res.FormFields["label"])
	assert.Empty(t, res.ExternalID)
}

func TestQueryStatusAndRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "PAY-1", r.PostForm.Get("label"))
		_, _ = w.Write([]byte(`{"operations":[{"operation_id":"op-1","status":"success","label":"PAY-1"}]}`))
	}))
	defer srv.Close()

	adapter := newAdapter(t, srv.URL)
	payment := &paymentdomain.Payment{Number: "PAY-1", Status: paymentdomain.StatusProcessing}
	res, err := adapter.QueryStatus(context.Background(), payment)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, res.Status)
	assert.Equal(t, "op-1", res.ExternalID)

	assert.False(t, adapter.Capabilities().Refunds)
	_, err = adapter.Refund(context.Background(), payment, decimal.NewFromInt(1), "k")
	assert.True(t, paymentdomain.IsPermanent(err))
}
