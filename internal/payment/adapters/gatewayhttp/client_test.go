package gatewayhttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveGatewayCall(gateway, operation, outcome string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, gateway+"/"+operation+"/"+outcome)
}

func TestClientClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
		message   string
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":"invalid_card","message":"card declined"}`, code: "invalid_card", message: "card declined"},
		{name: "nested error", status: http.StatusPaymentRequired, body: `{"error":{"code":"insufficient","message":"no money"}}`, code: "insufficient", message: "no money"},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, transient: true, message: "Bad Gateway"},
		{name: "rate limited", status: http.StatusTooManyRequests, body: ``, transient: true, message: "Too Many Requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := New("card", srv.URL, time.Second, nil)
			_, err := client.Do(context.Background(), Request{Operation: "create", Method: http.MethodPost, JSON: map[string]any{"a": 1}}, nil)
			require.Error(t, err)

			var gwErr *domain.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.transient, domain.IsTransient(err))
			assert.Equal(t, !tt.transient, domain.IsPermanent(err))
			assert.Equal(t, tt.status, gwErr.HTTPStatus)
			assert.Equal(t, tt.code, gwErr.Code)
			assert.Equal(t, tt.message, gwErr.Message)
		})
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	observer := &recordingObserver{}
	client := New("sbp", srv.URL, 20*time.Millisecond, observer)
	_, err := client.Do(context.Background(), Request{Operation: "query", Path: "/qr/1/status"}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, []string{"sbp/query/transient_error"}, observer.outcomes)
}

func TestClientSendsHeadersAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("Idempotence-Key"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"id":"ext_1"}`))
	}))
	defer srv.Close()

	client := New("card", srv.URL+"/", time.Second, nil)
	var out struct {
		ID string `json:"id"`
	}
	raw, err := client.Do(context.Background(), Request{
		Operation:         "create",
		Method:            http.MethodPost,
		Path:              "/payments",
		Query:             map[string][]string{"page": {"1"}},
		JSON:              map[string]string{"x": "y"},
		IdempotencyKey:    "key-1",
		IdempotencyHeader: "Idempotence-Key",
		BearerToken:       "tok",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ext_1", out.ID)
	assert.JSONEq(t, `{"id":"ext_1"}`, string(raw))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClientUsesInjectedHTTPClient(t *testing.T) {
	var seen string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.URL.String()
		rec := httptest.NewRecorder()
		_, _ = rec.WriteString(`{"status":"paid"}`)
		return rec.Result(), nil
	})

	client := New("wallet", "https://acquirer.test", time.Second, nil, WithHTTPClient(&http.Client{Transport: transport}), WithHTTPClient(nil))
	var out struct {
		Status string `json:"status"`
	}
	_, err := client.Do(context.Background(), Request{Operation: "query", Path: "/payments/ext_9"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "https://acquirer.test/payments/ext_9", seen)
	assert.Equal(t, "paid", out.Status)
}
