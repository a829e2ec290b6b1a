package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrExternalIDImmutable  = errors.New("external_id_immutable")
	ErrGatewayNotFound      = errors.New("gateway_not_found")
	ErrInvalidConfig        = errors.New("invalid_gateway_config")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrWebhookUnsupported   = errors.New("webhook_unsupported")
	ErrOperationUnsupported = errors.New("operation_unsupported")
	ErrExternalIDMissing    = errors.New("external_id_missing")
	ErrInsufficientFunds    = errors.New("insufficient_funds")
)

// ValidationError rejects caller input before anything is written.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
