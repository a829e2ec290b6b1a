package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusAuthorized        Status = "authorized"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusHeld              Status = "held"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially-refunded"
	StatusRefundFailed      Status = "refund-failed"
)

type Method string

const (
	MethodCard           Method = "card"
	MethodBankQR         Method = "bank-qr"
	MethodEWallet        Method = "e-wallet"
	MethodHostedCheckout Method = "hosted-checkout"
	MethodBalance        Method = "balance"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodBankQR, MethodEWallet, MethodHostedCheckout, MethodBalance:
		return true
	}
	return false
}

type Type string

const (
	TypeServicePayment Type = "service-payment"
	TypeTopUp          Type = "top-up"
	TypeDeposit        Type = "deposit"
	TypeSubscription   Type = "subscription"
	TypeRefund         Type = "refund"
)

func (t Type) Valid() bool {
	switch t {
	case TypeServicePayment, TypeTopUp, TypeDeposit, TypeSubscription, TypeRefund:
		return true
	}
	return false
}

// Metadata keys written by the core.
const (
	MetaOriginalAmount = "original_amount"
	MetaRefundReason   = "refund_reason"
	MetaRefundActor    = "refund_actor"
	MetaProviderStatus = "provider_status"
	MetaRedirectURL    = "redirect_url"
	MetaQRPayload      = "qr_payload"
	MetaReturnURL      = "return_url"
	MetaDescription    = "description"
	MetaHoldReason     = "hold_reason"
)

type Payment struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	Number           string            `json:"number" gorm:"type:text;not null;uniqueIndex"`
	ExternalID       *string           `json:"external_id,omitempty" gorm:"type:text;index:idx_payments_gateway_external"`
	UserID           string            `json:"user_id" gorm:"type:text;not null;index"`
	Method           Method            `json:"method" gorm:"type:text;not null"`
	Type             Type              `json:"type" gorm:"type:text;not null"`
	Gateway          string            `json:"gateway" gorm:"type:text;not null;index:idx_payments_gateway_external"`
	Amount           decimal.Decimal   `json:"amount" gorm:"type:numeric(18,2);not null"`
	Fee              decimal.Decimal   `json:"fee" gorm:"type:numeric(18,2);not null"`
	TotalAmount      decimal.Decimal   `json:"total_amount" gorm:"type:numeric(18,2);not null"`
	DiscountAmount   decimal.Decimal   `json:"discount_amount" gorm:"type:numeric(18,2);not null"`
	Currency         string            `json:"currency" gorm:"type:text;not null"`
	Status           Status            `json:"status" gorm:"type:text;not null;index"`
	PayableType      string            `json:"payable_type,omitempty" gorm:"type:text"`
	PayableID        string            `json:"payable_id,omitempty" gorm:"type:text"`
	ParentPaymentID  *snowflake.ID     `json:"parent_payment_id,omitempty" gorm:"index"`
	FailureReason    string            `json:"failure_reason,omitempty" gorm:"type:text"`
	Metadata         datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	ScheduledStartAt *time.Time        `json:"scheduled_start_at,omitempty"`
	ConfirmedAt      *time.Time        `json:"confirmed_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
	RefundedAt       *time.Time        `json:"refunded_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"not null;index"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) IsRefund() bool { return p.Type == TypeRefund }

func (p *Payment) External() string {
	if p.ExternalID == nil {
		return ""
	}
	return *p.ExternalID
}

// AssignExternalID sets the gateway identifier. It may be set once; repeating
// the same value is accepted, a different value is not.
func (p *Payment) AssignExternalID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if p.ExternalID != nil && *p.ExternalID != "" {
		if *p.ExternalID == id {
			return nil
		}
		return ErrExternalIDImmutable
	}
	p.ExternalID = &id
	return nil
}

func (p *Payment) SetMeta(key string, value any) {
	if p.Metadata == nil {
		p.Metadata = datatypes.JSONMap{}
	}
	p.Metadata[key] = value
}

func (p *Payment) MetaString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	value, _ := p.Metadata[key].(string)
	return value
}

// ExchangePayload stores a raw gateway body as JSON. Bodies that are not JSON
// (form posts, XML) are kept as a string under "raw".
func ExchangePayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(raw)})
	return datatypes.JSON(wrapped)
}

type ExchangeSource string

const (
	ExchangeCreate  ExchangeSource = "create"
	ExchangeQuery   ExchangeSource = "query"
	ExchangeRefund  ExchangeSource = "refund"
	ExchangeCancel  ExchangeSource = "cancel"
	ExchangeWebhook ExchangeSource = "webhook"
)

// GatewayExchange is one recorded request/response or notification. Rows are
// never updated.
type GatewayExchange struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	PaymentID  snowflake.ID   `json:"payment_id" gorm:"not null;index"`
	Source     ExchangeSource `json:"source" gorm:"type:text;not null"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Error      string         `json:"error,omitempty" gorm:"type:text"`
	RecordedAt time.Time      `json:"recorded_at" gorm:"not null"`
}

func (GatewayExchange) TableName() string { return "payment_gateway_exchanges" }

type WebhookReceipt struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	Gateway           string         `json:"gateway" gorm:"type:text;not null;uniqueIndex:ux_webhook_receipts_dedup"`
	DedupKey          string         `json:"dedup_key" gorm:"type:text;not null;uniqueIndex:ux_webhook_receipts_dedup"`
	PaymentID         snowflake.ID   `json:"payment_id" gorm:"not null;index"`
	ExternalPaymentID string         `json:"external_payment_id" gorm:"type:text"`
	Outcome           Outcome        `json:"outcome" gorm:"type:text;not null"`
	NativeType        string         `json:"native_type" gorm:"type:text"`
	Payload           datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt       *time.Time     `json:"processed_at"`
}

func (WebhookReceipt) TableName() string { return "webhook_receipts" }

// CreateRequest carries caller input for a new payment.
type CreateRequest struct {
	UserID           string
	Amount           decimal.Decimal
	DiscountAmount   decimal.Decimal
	Currency         string
	Method           Method
	Type             Type
	PayableType      string
	PayableID        string
	ScheduledStartAt *time.Time
	Metadata         map[string]any
}

// ProcessResult describes what a processing attempt produced. Gateway outcomes
// are reported here rather than as errors.
type ProcessResult struct {
	Payment     *Payment
	RedirectURL string
	QRPayload   string
	FormFields  map[string]string
	Transient   bool
	Message     string
}
