package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/events"
	obslogger "github.com/smallbiznis/payflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/fee"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	"github.com/smallbiznis/payflow/internal/payment/retry"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	"github.com/smallbiznis/payflow/internal/payment/webhook"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxCancelReasonLength = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Repo       paymentdomain.Repository
	Resolver   *adapters.Resolver
	Fees       fee.Source
	Engine     *lifecycle.Engine
	Webhooks   *webhook.Service
	Refunds    refunddomain.Service
	Outbox     *events.Outbox
	AuditSvc   auditdomain.Service
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	resolver   *adapters.Resolver
	fees       fee.Source
	engine     *lifecycle.Engine
	webhooks   *webhook.Service
	refunds    refunddomain.Service
	outbox     *events.Outbox
	auditSvc   auditdomain.Service
	clock      clock.Clock
	retry      retry.Policy
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		resolver:   p.Resolver,
		fees:       p.Fees,
		engine:     p.Engine,
		webhooks:   p.Webhooks,
		refunds:    p.Refunds,
		outbox:     p.Outbox,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		retry:      retry.FromConfig(p.Cfg.Gateway),
		obsMetrics: p.ObsMetrics,
	}
}

// Create validates the request, prices it and stores a pending payment.
func (s *Service) Create(ctx context.Context, req paymentdomain.CreateRequest) (*paymentdomain.Payment, error) {
	if err := normalizeCreate(&req); err != nil {
		return nil, err
	}

	gateway, err := s.resolver.Registry().GatewayForMethod(req.Method)
	if err != nil {
		s.log.Error("no gateway for method", zap.String("method", string(req.Method)), zap.Error(err))
		return nil, err
	}

	charge := req.Amount.Sub(req.DiscountAmount)
	tariff, err := s.fees.FeeTable().Tariff(gateway)
	if err != nil {
		s.log.Error("missing tariff", zap.String("gateway", gateway), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", err, gateway)
	}
	paymentFee, err := fee.CalculateFee(charge, req.Currency, tariff)
	if err != nil {
		if errors.Is(err, fee.ErrUnsupportedCurrency) {
			return nil, paymentdomain.NewValidationError("unsupported_currency", "%s does not accept %s", gateway, req.Currency)
		}
		return nil, err
	}

	now := s.clock.Now()
	payment := &paymentdomain.Payment{
		ID:               s.genID.Generate(),
		Number:           "PAY-" + ulid.Make().String(),
		UserID:           req.UserID,
		Method:           req.Method,
		Type:             req.Type,
		Gateway:          gateway,
		Amount:           charge,
		Fee:              paymentFee,
		TotalAmount:      charge.Add(paymentFee),
		DiscountAmount:   req.DiscountAmount,
		Currency:         req.Currency,
		Status:           paymentdomain.StatusPending,
		PayableType:      req.PayableType,
		PayableID:        req.PayableID,
		ScheduledStartAt: req.ScheduledStartAt,
		Metadata:         datatypes.JSONMap{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for key, value := range req.Metadata {
		payment.SetMeta(key, value)
	}
	if req.DiscountAmount.IsPositive() {
		payment.SetMeta(paymentdomain.MetaOriginalAmount, req.Amount.StringFixed(2))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type:        events.EventPaymentCreated,
			AggregateID: payment.ID,
			DedupeKey:   "payment:" + payment.ID.String() + ":created",
			Payload: map[string]any{
				"payment_id":   payment.ID.String(),
				"number":       payment.Number,
				"user_id":      payment.UserID,
				"type":         string(payment.Type),
				"gateway":      payment.Gateway,
				"total_amount": payment.TotalAmount.StringFixed(2),
				"currency":     payment.Currency,
			},
		}); err != nil {
			return err
		}
		targetID := payment.ID.String()
		return s.auditSvc.AuditLog(ctx, tx, "", nil, "payment.created", "payment", &targetID, map[string]any{
			"amount":   payment.Amount.StringFixed(2),
			"fee":      payment.Fee.StringFixed(2),
			"currency": payment.Currency,
			"gateway":  payment.Gateway,
		})
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPaymentCreated(ctx, payment.Gateway, string(payment.Method))
	s.log.Info("payment created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("number", payment.Number),
		zap.String("gateway", payment.Gateway),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("fee", payment.Fee.StringFixed(2)),
		zap.String("currency", payment.Currency),
	)
	return payment, nil
}

func normalizeCreate(req *paymentdomain.CreateRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return paymentdomain.NewValidationError("invalid_user", "user is required")
	}
	if !req.Amount.IsPositive() {
		return paymentdomain.NewValidationError("invalid_amount", "amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return paymentdomain.NewValidationError("invalid_amount", "amount has more than two decimal places")
	}
	if req.DiscountAmount.IsNegative() || req.DiscountAmount.GreaterThanOrEqual(req.Amount) {
		return paymentdomain.NewValidationError("invalid_discount", "discount must be between zero and the amount")
	}
	req.DiscountAmount = req.DiscountAmount.Round(2)

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if utf8.RuneCountInString(req.Currency) != 3 {
		return paymentdomain.NewValidationError("invalid_currency", "currency must be an ISO 4217 code")
	}
	if !req.Method.Valid() {
		return paymentdomain.NewValidationError("invalid_method", "unknown payment method %q", req.Method)
	}
	if !req.Type.Valid() || req.Type == paymentdomain.TypeRefund {
		return paymentdomain.NewValidationError("invalid_type", "unsupported payment type %q", req.Type)
	}
	if req.Type == paymentdomain.TypeTopUp && req.Method == paymentdomain.MethodBalance {
		return paymentdomain.NewValidationError("invalid_method", "balance cannot fund a top-up")
	}
	req.PayableType = strings.ToLower(strings.TrimSpace(req.PayableType))
	req.PayableID = strings.TrimSpace(req.PayableID)
	return nil
}

// Process submits a pending payment to its gateway. Payments past pending are
// reconciled instead. Gateway outcomes are reported in the result; only
// integrity faults are returned as errors.
func (s *Service) Process(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.ProcessResult, error) {
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.IsRefund() {
		return nil, fmt.Errorf("%w: refunds are driven by the refund engine", paymentdomain.ErrOperationUnsupported)
	}
	if payment.Status != paymentdomain.StatusPending {
		if _, err := s.CheckStatus(ctx, paymentID); err != nil && !paymentdomain.IsTransient(err) {
			return nil, err
		}
		current, err := s.repo.FindByID(ctx, s.db, paymentID)
		if err != nil {
			return nil, err
		}
		return resultFor(current), nil
	}

	adapter, err := s.resolver.Resolve(ctx, payment.Gateway)
	if err != nil {
		s.log.Error("gateway unavailable", zap.String("gateway", payment.Gateway), zap.Error(err))
		return nil, err
	}

	created, err := retry.Gateway(ctx, s.retry, func(ctx context.Context) (*paymentdomain.CreateResult, error) {
		return adapter.CreatePayment(ctx, payment)
	})
	if err != nil {
		return s.processFailed(ctx, payment, err)
	}

	target := paymentdomain.StatusProcessing
	switch created.Status {
	case paymentdomain.StatusAuthorized, paymentdomain.StatusCompleted, paymentdomain.StatusFailed:
		target = created.Status
	}
	out, err := s.engine.Apply(ctx, lifecycle.Request{
		PaymentID:  payment.ID,
		Target:     target,
		Source:     paymentdomain.ExchangeCreate,
		Payload:    created.Raw,
		ExternalID: created.ExternalID,
		AllowStale: true,
		Mutate: func(p *paymentdomain.Payment) {
			if created.RedirectURL != "" {
				p.SetMeta(paymentdomain.MetaRedirectURL, created.RedirectURL)
			}
			if created.QRPayload != "" {
				p.SetMeta(paymentdomain.MetaQRPayload, created.QRPayload)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	result := resultFor(out.Payment)
	result.FormFields = created.FormFields
	return result, nil
}

func (s *Service) processFailed(ctx context.Context, payment *paymentdomain.Payment, callErr error) (*paymentdomain.ProcessResult, error) {
	message := paymentdomain.FailureMessage(callErr)
	if paymentdomain.IsTransient(callErr) {
		s.paymentLog(ctx, payment).Warn("gateway create failed transiently", zap.Error(callErr))
		out, err := s.engine.Apply(ctx, lifecycle.Request{
			PaymentID:  payment.ID,
			Target:     paymentdomain.StatusPending,
			Source:     paymentdomain.ExchangeCreate,
			Error:      message,
			AllowStale: true,
		})
		if err != nil {
			return nil, err
		}
		result := resultFor(out.Payment)
		result.Transient = true
		result.Message = message
		return result, nil
	}

	if !paymentdomain.IsPermanent(callErr) {
		s.paymentLog(ctx, payment).Error("gateway create failed", zap.Error(callErr))
		return nil, callErr
	}

	out, err := s.engine.Apply(ctx, lifecycle.Request{
		PaymentID:  payment.ID,
		Target:     paymentdomain.StatusFailed,
		Source:     paymentdomain.ExchangeCreate,
		Reason:     message,
		AllowStale: true,
	})
	if err != nil {
		return nil, err
	}
	result := resultFor(out.Payment)
	result.Message = message
	return result, nil
}

func resultFor(payment *paymentdomain.Payment) *paymentdomain.ProcessResult {
	return &paymentdomain.ProcessResult{
		Payment:     payment,
		RedirectURL: payment.MetaString(paymentdomain.MetaRedirectURL),
		QRPayload:   payment.MetaString(paymentdomain.MetaQRPayload),
	}
}

// CheckStatus asks the gateway for the payment state and applies it when it
// moved. It is the fallback for lost webhooks.
func (s *Service) CheckStatus(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Status, error) {
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return "", err
	}
	if payment.IsRefund() || statemachine.IsTerminal(payment.Status) || statemachine.IsSettled(payment.Status) || payment.Status == paymentdomain.StatusHeld {
		return payment.Status, nil
	}

	adapter, err := s.resolver.Resolve(ctx, payment.Gateway)
	if err != nil {
		return payment.Status, err
	}
	if !adapter.Capabilities().Polling {
		return payment.Status, nil
	}

	status, err := retry.Gateway(ctx, s.retry, func(ctx context.Context) (*paymentdomain.StatusResult, error) {
		return adapter.QueryStatus(ctx, payment)
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrExternalIDMissing) {
			return payment.Status, nil
		}
		s.paymentLog(ctx, payment).Warn("status query failed", zap.Error(err))
		return payment.Status, err
	}

	target := status.Status
	if status.Paid {
		target = paymentdomain.StatusCompleted
	}
	if !statemachine.Known(target) {
		target = payment.Status
	}
	needsExternalID := status.ExternalID != "" && payment.External() == ""
	if target == payment.Status && !needsExternalID {
		return payment.Status, nil
	}

	out, err := s.engine.Apply(ctx, lifecycle.Request{
		PaymentID:  payment.ID,
		Target:     target,
		Source:     paymentdomain.ExchangeQuery,
		Payload:    status.Raw,
		Reason:     "gateway status " + status.ProviderStatus,
		AllowStale: true,
		Mutate: func(p *paymentdomain.Payment) {
			if needsExternalID && p.External() == "" {
				_ = p.AssignExternalID(status.ExternalID)
			}
			if status.ProviderStatus != "" {
				p.SetMeta(paymentdomain.MetaProviderStatus, status.ProviderStatus)
			}
		},
	})
	if err != nil {
		return payment.Status, err
	}
	return out.Payment.Status, nil
}

func (s *Service) HandleWebhook(ctx context.Context, gateway string, payload []byte, headers http.Header) (bool, error) {
	return s.webhooks.Handle(ctx, gateway, payload, headers)
}

func (s *Service) Refund(ctx context.Context, paymentID snowflake.ID, amount decimal.Decimal, reason string, actor refunddomain.Actor) (*refunddomain.Result, error) {
	return s.refunds.Refund(ctx, refunddomain.Request{
		PaymentID: paymentID,
		Amount:    amount,
		Reason:    reason,
		Actor:     actor,
	})
}

// Cancel stops a payment that has not settled. Payments already submitted are
// cancelled at the gateway first.
func (s *Service) Cancel(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.Payment, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxCancelReasonLength {
		return nil, paymentdomain.NewValidationError("reason_too_long", "reason exceeds %d characters", maxCancelReasonLength)
	}
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.IsRefund() {
		return nil, fmt.Errorf("%w: refunds cannot be cancelled", paymentdomain.ErrOperationUnsupported)
	}
	if !statemachine.CanTransitionTo(payment.Status, paymentdomain.StatusCancelled) {
		return nil, &statemachine.TransitionError{From: payment.Status, To: paymentdomain.StatusCancelled}
	}

	req := lifecycle.Request{
		PaymentID: payment.ID,
		Target:    paymentdomain.StatusCancelled,
		Reason:    reason,
	}
	if payment.External() != "" {
		adapter, err := s.resolver.Resolve(ctx, payment.Gateway)
		if err != nil {
			return nil, err
		}
		if !adapter.Capabilities().Cancel {
			return nil, fmt.Errorf("%w: %s cannot cancel payments", paymentdomain.ErrOperationUnsupported, payment.Gateway)
		}
		cancelled, err := retry.Gateway(ctx, s.retry, func(ctx context.Context) (*paymentdomain.CancelResult, error) {
			return adapter.Cancel(ctx, payment, reason)
		})
		if err != nil {
			s.paymentLog(ctx, payment).Warn("gateway cancel failed", zap.Error(err))
			return nil, err
		}
		req.Source = paymentdomain.ExchangeCancel
		req.Payload = cancelled.Raw
	}

	out, err := s.engine.Apply(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// Hold freezes a payment pending manual review.
func (s *Service) Hold(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, paymentdomain.NewValidationError("invalid_reason", "a hold needs a reason")
	}
	out, err := s.engine.Apply(ctx, lifecycle.Request{
		PaymentID: paymentID,
		Target:    paymentdomain.StatusHeld,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// Release returns a held payment to pending.
func (s *Service) Release(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != paymentdomain.StatusHeld {
		return nil, &statemachine.TransitionError{From: payment.Status, To: paymentdomain.StatusPending}
	}
	out, err := s.engine.Apply(ctx, lifecycle.Request{
		PaymentID: paymentID,
		Target:    paymentdomain.StatusPending,
		Reason:    "released",
		Mutate: func(p *paymentdomain.Payment) {
			delete(p.Metadata, paymentdomain.MetaHoldReason)
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

func (s *Service) Get(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	return s.repo.FindByID(ctx, s.db, paymentID)
}

func (s *Service) Exchanges(ctx context.Context, paymentID snowflake.ID) ([]paymentdomain.GatewayExchange, error) {
	return s.repo.ListExchanges(ctx, s.db, paymentID)
}

func (s *Service) paymentLog(ctx context.Context, payment *paymentdomain.Payment) *zap.Logger {
	return obslogger.WithPayment(obslogger.WithContext(ctx, s.log), payment.ID.String(), payment.Gateway)
}
