package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/observability"
	"github.com/smallbiznis/payflow/internal/payment/paymenttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type apiHarness struct {
	*paymenttest.Harness
	srv *Server
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := paymenttest.New(t)
	return &apiHarness{Harness: h, srv: newTestServer(t, config.Config{}, h.DB, h.Payments)}
}

func newTestServer(t *testing.T, cfg config.Config, db *gorm.DB, payments PaymentService) *Server {
	t.Helper()
	engine, err := NewEngine(cfg, observability.Config{Environment: "test"}, zaptest.NewLogger(t), db)
	require.NoError(t, err)
	return NewServer(ServerParams{
		Gin:      engine,
		Cfg:      cfg,
		Log:      zaptest.NewLogger(t),
		Payments: payments,
	})
}

func (a *apiHarness) do(t *testing.T, method, path string, body any, headers http.Header) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	a.srv.Engine().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "missing data in %v", body)
	return d
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error in %v", body)
	if code, _ := e["code"].(string); code != "" {
		return code
	}
	if list, ok := e["errors"].([]any); ok && len(list) > 0 {
		code, _ := list[0].(map[string]any)["code"].(string)
		return code
	}
	return ""
}

func bookingBody() map[string]any {
	return map[string]any{
		"user_id":      "user-1",
		"amount":       "1000.00",
		"currency":     "RUB",
		"method":       "card",
		"type":         "service-payment",
		"payable_type": paymenttest.PayableType,
		"payable_id":   "booking-1",
	}
}

func userHeaders() http.Header {
	h := http.Header{}
	h.Set(HeaderActorType, "user")
	h.Set(HeaderActorID, "user-1")
	return h
}

func TestPaymentLifecycleOverHTTP(t *testing.T) {
	api := newAPI(t)

	status, body := api.do(t, http.MethodPost, "/v1/payments", bookingBody(), userHeaders())
	require.Equal(t, http.StatusCreated, status, body)
	created := data(t, body)
	id := created["id"].(string)
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "28.00", created["fee"])
	assert.Equal(t, "1028.00", created["total_amount"])

	status, body = api.do(t, http.MethodPost, "/v1/payments/"+id+"/process", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	processed := data(t, body)
	assert.Equal(t, false, processed["transient"])
	assert.Contains(t, processed["redirect_url"], "https://fakepay.test/pay/")
	external := processed["payment"].(map[string]any)["external_id"].(string)

	status, body = api.do(t, http.MethodPost, "/webhooks/"+paymenttest.GatewayName,
		paymenttest.Body(paymenttest.Notification{ID: external, Event: "paid"}), paymenttest.Signed())
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "ok", body["status"])

	status, body = api.do(t, http.MethodPost, "/webhooks/"+paymenttest.GatewayName,
		paymenttest.Body(paymenttest.Notification{ID: external, Event: "paid"}), paymenttest.Signed())
	require.Equal(t, http.StatusOK, status, body)

	status, body = api.do(t, http.MethodGet, "/v1/payments/"+id, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", data(t, body)["status"])

	status, body = api.do(t, http.MethodGet, "/v1/payments/"+id+"/status", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", data(t, body)["status"])

	status, body = api.do(t, http.MethodPost, "/v1/payments/"+id+"/refunds",
		map[string]any{"amount": "400.00", "reason": "one session missed"}, userHeaders())
	require.Equal(t, http.StatusCreated, status, body)
	refunded := data(t, body)
	assert.Equal(t, "completed", refunded["refund"].(map[string]any)["status"])
	assert.Equal(t, "400.00", refunded["refund"].(map[string]any)["amount"])
	assert.Equal(t, id, refunded["refund"].(map[string]any)["parent_payment_id"])
	assert.Equal(t, "partially-refunded", refunded["payment"].(map[string]any)["status"])

	status, body = api.do(t, http.MethodPost, "/v1/payments/"+id+"/refunds",
		map[string]any{"amount": "600.01"}, userHeaders())
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "exceeds_remaining", errorCode(t, body))

	status, body = api.do(t, http.MethodPost, "/v1/payments/"+id+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, status, body)

	paymentID, err := snowflake.ParseString(id)
	require.NoError(t, err)
	assert.Equal(t, 1, api.Activations.Activated(paymentID))
}

func TestCreatePaymentValidation(t *testing.T) {
	api := newAPI(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{name: "malformed amount", mutate: func(b map[string]any) { b["amount"] = "ten" }, code: "invalid_amount"},
		{name: "missing amount", mutate: func(b map[string]any) { delete(b, "amount") }, code: "invalid_amount"},
		{name: "malformed discount", mutate: func(b map[string]any) { b["discount_amount"] = "1,5" }, code: "invalid_discount_amount"},
		{name: "unsupported currency", mutate: func(b map[string]any) { b["currency"] = "EUR" }, code: "unsupported_currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := bookingBody()
			tt.mutate(body)
			status, resp := api.do(t, http.MethodPost, "/v1/payments", body, nil)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}

	status, resp := api.do(t, http.MethodPost, "/v1/payments", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", errorCode(t, resp))
}

func TestPaymentLookupErrors(t *testing.T) {
	api := newAPI(t)

	status, body := api.do(t, http.MethodGet, "/v1/payments/not-a-number", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_id", errorCode(t, body))

	status, _ = api.do(t, http.MethodGet, "/v1/payments/12345", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebhookErrors(t *testing.T) {
	api := newAPI(t)

	status, body := api.do(t, http.MethodPost, "/webhooks/"+paymenttest.GatewayName,
		paymenttest.Body(paymenttest.Notification{ID: "fp_x", Event: "paid"}), http.Header{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", errorCode(t, body))

	status, _ = api.do(t, http.MethodPost, "/webhooks/nopay",
		paymenttest.Body(paymenttest.Notification{ID: "fp_x", Event: "paid"}), paymenttest.Signed())
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodPost, "/webhooks/"+paymenttest.GatewayName,
		paymenttest.Body(paymenttest.Notification{ID: "fp_missing", Event: "paid"}), paymenttest.Signed())
	assert.Equal(t, http.StatusNotFound, status)

	status, body = api.do(t, http.MethodPost, "/webhooks/"+paymenttest.GatewayName,
		paymenttest.Body(paymenttest.Notification{ID: "fp_x", Event: "settlement_report"}), paymenttest.Signed())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestHoldAndReleaseOverHTTP(t *testing.T) {
	api := newAPI(t)
	payment := api.CreateBooking(t, "1000.00")
	path := "/v1/payments/" + payment.ID.String()

	status, body := api.do(t, http.MethodPost, path+"/hold", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_reason", errorCode(t, body))

	status, body = api.do(t, http.MethodPost, path+"/hold", map[string]any{"reason": "fraud review"}, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "held", data(t, body)["status"])

	status, body = api.do(t, http.MethodPost, path+"/process", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "held", data(t, body)["payment"].(map[string]any)["status"])
	assert.Zero(t, api.Gateway.Calls("create"))

	status, body = api.do(t, http.MethodPost, path+"/release", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "pending", data(t, body)["status"])

	status, body = api.do(t, http.MethodPost, path+"/cancel", map[string]any{"reason": "changed plans"}, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "cancelled", data(t, body)["status"])
}

func TestThrottledRefundIsTooManyRequests(t *testing.T) {
	api := newAPI(t)
	payment := api.Complete(t, api.CreateBooking(t, "500.00"))
	api.Throttle.Denied = true

	status, body := api.do(t, http.MethodPost, "/v1/payments/"+payment.ID.String()+"/refunds",
		map[string]any{"amount": "100.00"}, userHeaders())
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "throttled", errorCode(t, body))
}

func TestHealthz(t *testing.T) {
	api := newAPI(t)
	status, body := api.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
