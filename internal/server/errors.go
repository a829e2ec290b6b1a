package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	gatewayconfigdomain "github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var paymentErr *paymentdomain.ValidationError
	if errors.As(err, &paymentErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Code: paymentErr.Code, Message: paymentErr.Message}},
		}
	}

	var rejection *refunddomain.RejectionError
	if errors.As(err, &rejection) {
		status := http.StatusUnprocessableEntity
		if rejection.Code == refunddomain.RejectThrottled {
			status = http.StatusTooManyRequests
		}
		return status, errorPayload{
			Type:    "refund_rejected",
			Code:    string(rejection.Code),
			Message: rejection.Message,
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrWebhookUnsupported):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Code:    rootCode(err),
			Message: "request rejected",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, statemachine.ErrInvalidTransition),
		errors.Is(err, paymentdomain.ErrExternalIDImmutable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, paymentdomain.ErrOperationUnsupported),
		errors.Is(err, paymentdomain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Code:    rootCode(err),
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrGatewayNotFound),
		errors.Is(err, refunddomain.ErrRefundNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// rootCode is the sentinel a wrapped error came from, for stable client codes.
func rootCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		paymentdomain.ErrInvalidSignature,
		paymentdomain.ErrInvalidPayload,
		paymentdomain.ErrInvalidEvent,
		paymentdomain.ErrWebhookUnsupported,
		paymentdomain.ErrOperationUnsupported,
		paymentdomain.ErrInsufficientFunds,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

// classifyErrorForLog feeds the request logger a type and code without
// leaking messages that may carry gateway payloads.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case errors.Is(err, gatewayconfigdomain.ErrGatewayConfigMissing),
		errors.Is(err, gatewayconfigdomain.ErrGatewayInactive),
		errors.Is(err, paymentdomain.ErrInvalidConfig):
		return "integrity", "gateway_config"
	case paymentdomain.IsTransient(err):
		return "gateway", "transient"
	case status >= http.StatusInternalServerError:
		return payload.Type, ""
	}
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
