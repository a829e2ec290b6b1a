package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/payflow/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

// Client is the transport shared by the REST gateway adapters. It applies a
// per-call timeout, opens a span per call and classifies failures into
// transient and permanent gateway errors.
type Client struct {
	gateway  string
	baseURL  string
	timeout  time.Duration
	http     *http.Client
	tracer   trace.Tracer
	observer domain.CallObserver
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func New(gateway, baseURL string, timeout time.Duration, observer domain.CallObserver, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		gateway:  gateway,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:  timeout,
		http:     &http.Client{},
		tracer:   otel.Tracer("payflow/gateway"),
		observer: observer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Request struct {
	Operation      string
	Method         string
	Path           string
	JSON           any
	Form           url.Values
	Query          url.Values
	Header         http.Header
	IdempotencyKey string
	// IdempotencyHeader overrides the header used for IdempotencyKey.
	IdempotencyHeader string
	BasicAuth         [2]string
	BearerToken       string
}

// Do performs the call and decodes a 2xx JSON body into out when out is not
// nil. The raw response body is returned for the exchange log.
func (c *Client) Do(ctx context.Context, req Request, out any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, c.gateway+"."+req.Operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("payment.gateway", c.gateway),
			attribute.String("payment.operation", req.Operation),
		),
	)
	defer span.End()

	start := time.Now()
	raw, err := c.do(ctx, req, out)
	c.observe(req.Operation, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (c *Client) do(ctx context.Context, req Request, out any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, domain.NewPermanentError(c.gateway, req.Operation, "request_build_failed", err.Error())
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, domain.NewTransientError(c.gateway, req.Operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, domain.NewTransientError(c.gateway, req.Operation, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return raw, c.statusError(req.Operation, resp.StatusCode, raw)
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, domain.NewPermanentError(c.gateway, req.Operation, "invalid_response", err.Error())
		}
	}
	return raw, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.JSON != nil:
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		header := req.IdempotencyHeader
		if header == "" {
			header = "Idempotency-Key"
		}
		httpReq.Header.Set(header, req.IdempotencyKey)
	}
	if req.BasicAuth[0] != "" {
		httpReq.SetBasicAuth(req.BasicAuth[0], req.BasicAuth[1])
	}
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}
	return httpReq, nil
}

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Error       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) statusError(operation string, status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	code, message := body.Code, body.Message
	if body.Error != nil {
		code, message = body.Error.Code, body.Error.Message
	}
	if message == "" {
		message = body.Description
	}
	if message == "" {
		message = http.StatusText(status)
	}

	kind := domain.GatewayErrorPermanent
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		kind = domain.GatewayErrorTransient
	}
	return &domain.GatewayError{
		Gateway:    c.gateway,
		Operation:  operation,
		Kind:       kind,
		HTTPStatus: status,
		Code:       code,
		Message:    message,
		Err:        fmt.Errorf("http status %d", status),
	}
}

func (c *Client) observe(operation string, err error, elapsed time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case domain.IsTransient(err):
		outcome = "transient_error"
	case domain.IsPermanent(err):
		outcome = "permanent_error"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	c.observer.ObserveGatewayCall(c.gateway, operation, outcome, elapsed)
}
