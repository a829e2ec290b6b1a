package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/clock"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultRejected  = "rejected"
	resultNotFound  = "not_found"
	resultError     = "error"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Resolver   *adapters.Resolver
	Engine     *lifecycle.Engine
	AuditSvc   auditdomain.Service
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service verifies, deduplicates and applies gateway notifications.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	resolver   *adapters.Resolver
	engine     *lifecycle.Engine
	auditSvc   auditdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		repo:       p.Repo,
		resolver:   p.Resolver,
		engine:     p.Engine,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// Handle returns accepted=true for every notification the gateway should not
// redeliver: applied, duplicate, stale or of an unknown kind.
func (s *Service) Handle(ctx context.Context, gateway string, payload []byte, headers http.Header) (bool, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if !s.resolver.Registry().GatewayExists(gateway) {
		return false, fmt.Errorf("%w: %q", paymentdomain.ErrGatewayNotFound, gateway)
	}

	adapter, err := s.resolver.Resolve(ctx, gateway)
	if err != nil {
		s.log.Error("webhook adapter unavailable", zap.String("gateway", gateway), zap.Error(err))
		return false, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, gateway, string(paymentdomain.OutcomeUnknown), resultRejected)
		if errors.Is(err, paymentdomain.ErrWebhookUnsupported) {
			return false, err
		}
		s.log.Warn("webhook verification failed", zap.String("gateway", gateway), zap.Error(err))
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidSignature, err)
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, gateway, string(paymentdomain.OutcomeUnknown), resultRejected)
		return false, err
	}
	event.Gateway = gateway
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	if event.Outcome == paymentdomain.OutcomeUnknown || event.Outcome == "" {
		s.log.Info("webhook event ignored",
			zap.String("gateway", gateway),
			zap.String("native_type", event.NativeType),
			zap.String("external_payment_id", event.ExternalPaymentID),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, gateway, string(paymentdomain.OutcomeUnknown), resultIgnored)
		return true, nil
	}
	if event.ExternalPaymentID == "" && event.PaymentNumber == "" {
		return false, paymentdomain.ErrInvalidEvent
	}

	payment, err := s.findPayment(ctx, event)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrPaymentNotFound) {
			s.log.Warn("webhook for unknown payment",
				zap.String("gateway", gateway),
				zap.String("external_payment_id", event.ExternalPaymentID),
				zap.String("payment_number", event.PaymentNumber),
			)
			s.obsMetrics.RecordWebhookEvent(ctx, gateway, string(event.Outcome), resultNotFound)
		}
		return false, err
	}

	result, err := s.apply(ctx, payment, event)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, gateway, string(event.Outcome), resultError)
		s.log.Error("webhook processing failed",
			zap.String("gateway", gateway),
			zap.String("payment_id", payment.ID.String()),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
		return false, err
	}
	s.obsMetrics.RecordWebhookEvent(ctx, gateway, string(event.Outcome), result)
	return true, nil
}

// findPayment resolves the payment a notification is about. Refund
// notifications that name the parent are routed to its open refund.
func (s *Service) findPayment(ctx context.Context, event *paymentdomain.Event) (*paymentdomain.Payment, error) {
	var (
		payment *paymentdomain.Payment
		err     error
	)
	if event.ExternalPaymentID != "" {
		payment, err = s.repo.FindByExternalID(ctx, s.db, event.Gateway, event.ExternalPaymentID)
	}
	if (payment == nil || errors.Is(err, paymentdomain.ErrPaymentNotFound)) && event.PaymentNumber != "" {
		payment, err = s.repo.FindByNumber(ctx, s.db, event.PaymentNumber)
	}
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if !event.Refund || payment.IsRefund() {
		return payment, nil
	}

	refunds, err := s.repo.ListRefunds(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	for i := range refunds {
		switch refunds[i].Status {
		case paymentdomain.StatusPending, paymentdomain.StatusProcessing:
			return &refunds[i], nil
		}
	}
	return payment, nil
}

func targetFor(outcome paymentdomain.Outcome) paymentdomain.Status {
	switch outcome {
	case paymentdomain.OutcomeSucceeded:
		return paymentdomain.StatusCompleted
	case paymentdomain.OutcomeFailed:
		return paymentdomain.StatusFailed
	case paymentdomain.OutcomeCancelled:
		return paymentdomain.StatusCancelled
	case paymentdomain.OutcomeDisputed:
		return paymentdomain.StatusHeld
	}
	return ""
}

func (s *Service) apply(ctx context.Context, payment *paymentdomain.Payment, event *paymentdomain.Event) (string, error) {
	now := s.clock.Now()
	receipt := paymentdomain.WebhookReceipt{
		ID:                s.genID.Generate(),
		Gateway:           event.Gateway,
		DedupKey:          event.DedupKey(),
		PaymentID:         payment.ID,
		ExternalPaymentID: event.ExternalPaymentID,
		Outcome:           event.Outcome,
		NativeType:        event.NativeType,
		Payload:           paymentdomain.ExchangePayload(event.RawPayload),
		ReceivedAt:        now,
	}

	req := lifecycle.Request{
		PaymentID:  payment.ID,
		Target:     targetFor(event.Outcome),
		Source:     paymentdomain.ExchangeWebhook,
		Payload:    event.RawPayload,
		AllowStale: true,
	}
	switch event.Outcome {
	case paymentdomain.OutcomeFailed:
		req.Reason = "gateway reported " + event.NativeType
	case paymentdomain.OutcomeDisputed:
		req.Reason = "dispute opened: " + event.NativeType
		req.Within = s.recordDispute(event)
	}
	if externalID := event.ExternalPaymentID; externalID != "" && !event.Refund && !payment.IsRefund() {
		req.Mutate = func(p *paymentdomain.Payment) {
			if p.External() == "" {
				_ = p.AssignExternalID(externalID)
			}
		}
	}

	var (
		out       *lifecycle.Outcome
		duplicate bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertReceipt(ctx, tx, &receipt)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindReceipt(ctx, tx, receipt.Gateway, receipt.DedupKey)
			if err != nil {
				return err
			}
			if existing == nil {
				return paymentdomain.ErrInvalidEvent
			}
			if existing.ProcessedAt != nil {
				duplicate = true
				return nil
			}
			receipt = *existing
		}

		out, err = s.engine.ApplyTx(ctx, tx, req)
		if err != nil {
			return err
		}
		return s.repo.MarkReceiptProcessed(ctx, tx, receipt.ID, now)
	})
	if err != nil {
		return "", err
	}
	if duplicate {
		s.log.Info("duplicate webhook skipped",
			zap.String("gateway", event.Gateway),
			zap.String("dedup_key", receipt.DedupKey),
		)
		return resultDuplicate, nil
	}

	s.engine.Dispatch(ctx, out)
	if !out.Applied() {
		return resultIgnored, nil
	}
	return resultApplied, nil
}

// recordDispute audits disputes the payment cannot be held for: authorized
// payments and anything past completed. Those are left to operators.
func (s *Service) recordDispute(event *paymentdomain.Event) func(context.Context, *gorm.DB, *paymentdomain.Payment) error {
	return func(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
		if payment.Status == paymentdomain.StatusHeld {
			return nil
		}
		s.log.Warn("dispute recorded without hold",
			zap.String("payment_id", payment.ID.String()),
			zap.String("status", string(payment.Status)),
			zap.String("native_type", event.NativeType),
		)
		targetID := payment.ID.String()
		return s.auditSvc.AuditLog(ctx, tx, "", nil, "payment.disputed", "payment", &targetID, map[string]any{
			"gateway":     event.Gateway,
			"native_type": event.NativeType,
			"status":      string(payment.Status),
		})
	}
}
