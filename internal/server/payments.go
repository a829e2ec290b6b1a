package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	obscontext "github.com/smallbiznis/payflow/internal/observability/context"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
)

// PaymentService is the orchestration surface the HTTP API drives.
type PaymentService interface {
	Create(ctx context.Context, req paymentdomain.CreateRequest) (*paymentdomain.Payment, error)
	Process(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.ProcessResult, error)
	CheckStatus(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Status, error)
	HandleWebhook(ctx context.Context, gateway string, payload []byte, headers http.Header) (bool, error)
	Refund(ctx context.Context, paymentID snowflake.ID, amount decimal.Decimal, reason string, actor refunddomain.Actor) (*refunddomain.Result, error)
	Cancel(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.Payment, error)
	Hold(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.Payment, error)
	Release(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Payment, error)
	Get(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Payment, error)
}

type createPaymentRequest struct {
	UserID           string         `json:"user_id"`
	Amount           string         `json:"amount"`
	DiscountAmount   string         `json:"discount_amount"`
	Currency         string         `json:"currency"`
	Method           string         `json:"method"`
	Type             string         `json:"type"`
	PayableType      string         `json:"payable_type"`
	PayableID        string         `json:"payable_id"`
	ScheduledStartAt *time.Time     `json:"scheduled_start_at"`
	Metadata         map[string]any `json:"metadata"`
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type paymentResponse struct {
	ID               string         `json:"id"`
	Number           string         `json:"number"`
	ExternalID       string         `json:"external_id,omitempty"`
	UserID           string         `json:"user_id"`
	Method           string         `json:"method"`
	Type             string         `json:"type"`
	Gateway          string         `json:"gateway"`
	Status           string         `json:"status"`
	Amount           string         `json:"amount"`
	Fee              string         `json:"fee"`
	DiscountAmount   string         `json:"discount_amount"`
	TotalAmount      string         `json:"total_amount"`
	Currency         string         `json:"currency"`
	PayableType      string         `json:"payable_type,omitempty"`
	PayableID        string         `json:"payable_id,omitempty"`
	ParentPaymentID  string         `json:"parent_payment_id,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ScheduledStartAt *time.Time     `json:"scheduled_start_at,omitempty"`
	ConfirmedAt      *time.Time     `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func newPaymentResponse(p *paymentdomain.Payment) paymentResponse {
	resp := paymentResponse{
		ID:               p.ID.String(),
		Number:           p.Number,
		ExternalID:       p.External(),
		UserID:           p.UserID,
		Method:           string(p.Method),
		Type:             string(p.Type),
		Gateway:          p.Gateway,
		Status:           string(p.Status),
		Amount:           p.Amount.StringFixed(2),
		Fee:              p.Fee.StringFixed(2),
		DiscountAmount:   p.DiscountAmount.StringFixed(2),
		TotalAmount:      p.TotalAmount.StringFixed(2),
		Currency:         p.Currency,
		PayableType:      p.PayableType,
		PayableID:        p.PayableID,
		FailureReason:    p.FailureReason,
		Metadata:         p.Metadata,
		ScheduledStartAt: p.ScheduledStartAt,
		ConfirmedAt:      p.ConfirmedAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.ParentPaymentID != nil {
		resp.ParentPaymentID = p.ParentPaymentID.String()
	}
	return resp
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	amount, err := parseMoney("amount", req.Amount, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	discount, err := parseMoney("discount_amount", req.DiscountAmount, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.payments.Create(c.Request.Context(), paymentdomain.CreateRequest{
		UserID:           req.UserID,
		Amount:           amount,
		DiscountAmount:   discount,
		Currency:         req.Currency,
		Method:           paymentdomain.Method(strings.TrimSpace(req.Method)),
		Type:             paymentdomain.Type(strings.TrimSpace(req.Type)),
		PayableType:      req.PayableType,
		PayableID:        req.PayableID,
		ScheduledStartAt: req.ScheduledStartAt,
		Metadata:         req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newPaymentResponse(payment)})
}

func (s *Server) GetPayment(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.payments.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPaymentResponse(payment)})
}

func (s *Server) ProcessPayment(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.payments.Process(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Transient {
		status = http.StatusAccepted
	}
	data := gin.H{
		"payment":   newPaymentResponse(result.Payment),
		"transient": result.Transient,
	}
	if result.RedirectURL != "" {
		data["redirect_url"] = result.RedirectURL
	}
	if result.QRPayload != "" {
		data["qr_payload"] = result.QRPayload
	}
	if len(result.FormFields) > 0 {
		data["form_fields"] = result.FormFields
	}
	if result.Message != "" {
		data["message"] = result.Message
	}
	c.JSON(status, gin.H{"data": data})
}

func (s *Server) CheckPaymentStatus(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := s.payments.CheckStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id.String(), "status": status}})
}

func (s *Server) RefundPayment(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	amount, err := parseMoney("amount", req.Amount, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	actorType, actorID := obscontext.ActorFromContext(c.Request.Context())
	result, err := s.payments.Refund(c.Request.Context(), id, amount, req.Reason, refunddomain.Actor{Type: actorType, ID: actorID})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"refund":  newPaymentResponse(result.Refund),
		"payment": newPaymentResponse(result.Parent),
	}})
}

func (s *Server) CancelPayment(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindReason(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.payments.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPaymentResponse(payment)})
}

func (s *Server) HoldPayment(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindReason(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.payments.Hold(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPaymentResponse(payment)})
}

func (s *Server) ReleasePayment(c *gin.Context) {
	id, err := parsePaymentID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.payments.Release(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newPaymentResponse(payment)})
}

func parsePaymentID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		return 0, newValidationError("id", "invalid_id", "invalid payment id")
	}
	return id, nil
}

func parseMoney(field, value string, optional bool) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, newValidationError(field, "invalid_"+field, field+" is required")
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, newValidationError(field, "invalid_"+field, field+" must be a decimal string")
	}
	return amount, nil
}

// bindReason accepts an empty body.
func bindReason(c *gin.Context) (reasonRequest, error) {
	var req reasonRequest
	if c.Request.ContentLength == 0 {
		return req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, invalidRequestError()
	}
	req.Reason = strings.TrimSpace(req.Reason)
	return req, nil
}
