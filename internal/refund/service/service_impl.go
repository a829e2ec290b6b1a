package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/events"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/payable"
	"github.com/smallbiznis/payflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	"github.com/smallbiznis/payflow/internal/payment/retry"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Repo       paymentdomain.Repository
	Resolver   *adapters.Resolver
	Engine     *lifecycle.Engine
	Policy     refunddomain.PolicySource
	Payables   *payable.Registry
	AuditSvc   auditdomain.Service
	Outbox     *events.Outbox
	Throttle   refunddomain.Throttle `optional:"true"`
	Clock      clock.Clock           `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	resolver   *adapters.Resolver
	engine     *lifecycle.Engine
	policy     refunddomain.PolicySource
	payables   *payable.Registry
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	throttle   refunddomain.Throttle
	clock      clock.Clock
	retry      retry.Policy
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) refunddomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("refund.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		resolver:   p.Resolver,
		engine:     p.Engine,
		policy:     p.Policy,
		payables:   p.Payables,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		throttle:   p.Throttle,
		clock:      clk,
		retry:      retry.FromConfig(p.Cfg.Gateway),
		obsMetrics: p.ObsMetrics,
	}
}

// Refund validates the request under the parent row lock, records a pending
// child refund, calls the gateway without holding any lock and settles the
// child through the lifecycle engine.
func (s *Service) Refund(ctx context.Context, req refunddomain.Request) (*refunddomain.Result, error) {
	policy := s.policy.RefundPolicy()
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validateRequest(req, policy); err != nil {
		return nil, s.rejected(ctx, req, "", err)
	}

	parent, err := s.repo.FindByID(ctx, s.db, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if parent.IsRefund() {
		return nil, s.rejected(ctx, req, parent.Gateway, refunddomain.Reject(refunddomain.RejectNotRefundable, "a refund cannot be refunded"))
	}

	adapter, err := s.resolver.Resolve(ctx, parent.Gateway)
	if err != nil {
		s.log.Error("refund gateway unavailable", zap.String("gateway", parent.Gateway), zap.Error(err))
		return nil, err
	}
	if !adapter.Capabilities().Refunds {
		return nil, s.rejected(ctx, req, parent.Gateway, refunddomain.Reject(refunddomain.RejectGatewayRefundUnsupported, "%s does not support refunds", parent.Gateway))
	}

	if allowed := s.allow(ctx, parent.UserID); !allowed {
		return nil, s.rejected(ctx, req, parent.Gateway, refunddomain.Reject(refunddomain.RejectThrottled, "too many refund requests"))
	}

	var child *paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		if err := s.checkEligibility(ctx, tx, locked, req.Amount, policy); err != nil {
			return err
		}
		child, err = s.insertChild(ctx, tx, locked, req)
		return err
	})
	if err != nil {
		if _, ok := refunddomain.AsRejection(err); ok {
			return nil, s.rejected(ctx, req, parent.Gateway, err)
		}
		return nil, err
	}

	s.log.Info("refund requested",
		zap.String("payment_id", parent.ID.String()),
		zap.String("refund_id", child.ID.String()),
		zap.String("amount", child.Amount.StringFixed(2)),
		zap.String("reason", req.Reason),
	)
	return s.execute(ctx, adapter, parent, child)
}

// Resume re-sends a refund whose gateway call never got a final answer. The
// idempotency key is derived from the refund, so the gateway collapses
// repeats into the original request.
func (s *Service) Resume(ctx context.Context, refundID snowflake.ID) (*refunddomain.Result, error) {
	child, err := s.repo.FindByID(ctx, s.db, refundID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrPaymentNotFound) {
			return nil, refunddomain.ErrRefundNotFound
		}
		return nil, err
	}
	if !child.IsRefund() || child.ParentPaymentID == nil {
		return nil, refunddomain.ErrNotARefund
	}
	parent, err := s.repo.FindByID(ctx, s.db, *child.ParentPaymentID)
	if err != nil {
		return nil, err
	}
	if child.Status != paymentdomain.StatusPending {
		return &refunddomain.Result{Refund: child, Parent: parent}, nil
	}

	adapter, err := s.resolver.Resolve(ctx, parent.Gateway)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, adapter, parent, child)
}

func validateRequest(req refunddomain.Request, policy refunddomain.Policy) error {
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return refunddomain.Reject(refunddomain.RejectInvalidAmount, "amount must be positive with at most two decimals")
	}
	maxReason := policy.MaxReasonLength
	if maxReason <= 0 {
		maxReason = refunddomain.DefaultMaxReasonLength
	}
	if utf8.RuneCountInString(req.Reason) > maxReason {
		return refunddomain.Reject(refunddomain.RejectReasonTooLong, "reason exceeds %d characters", maxReason)
	}
	return nil
}

// checkEligibility runs with the parent locked so concurrent requests see
// each other's reservations.
func (s *Service) checkEligibility(ctx context.Context, tx *gorm.DB, parent *paymentdomain.Payment, amount decimal.Decimal, policy refunddomain.Policy) error {
	if parent.IsRefund() || !statemachine.IsRefundable(parent.Status) {
		return refunddomain.Reject(refunddomain.RejectNotRefundable, "payment is %s", parent.Status)
	}

	refunds, err := s.repo.ListRefunds(ctx, tx, parent.ID)
	if err != nil {
		return err
	}
	reserved := decimal.Zero
	for _, refund := range refunds {
		if holdsCapacity(refund.Status) {
			reserved = reserved.Add(refund.Amount)
		}
	}
	remaining := parent.Amount.Sub(reserved)
	if amount.GreaterThan(remaining) {
		return refunddomain.Reject(refunddomain.RejectExceedsRemaining, "exceeds remaining refundable amount %s", remaining.StringFixed(2))
	}

	now := s.clock.Now()
	confirmedAt := parent.CreatedAt
	if parent.ConfirmedAt != nil {
		confirmedAt = *parent.ConfirmedAt
	}
	if now.Sub(confirmedAt) > policy.WindowFor(parent.Type) {
		return refunddomain.Reject(refunddomain.RejectDeadlineExceeded, "refund window expired")
	}

	if parent.Type == paymentdomain.TypeDeposit {
		if err := (payable.ScheduledStartGuard{}).CheckRefund(ctx, parent, now); err != nil {
			return err
		}
	}
	if err := s.payables.CheckRefund(ctx, parent, now); err != nil {
		return err
	}

	return s.checkLimits(ctx, tx, parent.UserID, amount, policy, now)
}

func holdsCapacity(status paymentdomain.Status) bool {
	switch status {
	case paymentdomain.StatusPending, paymentdomain.StatusProcessing, paymentdomain.StatusCompleted:
		return true
	}
	return false
}

func (s *Service) checkLimits(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal, policy refunddomain.Policy, now time.Time) error {
	if policy.DailyCountLimit <= 0 && !policy.MonthlyAmountLimit.IsPositive() {
		return nil
	}
	now = now.UTC()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	refunds, err := s.repo.ListUserRefundsSince(ctx, tx, userID, startOfMonth)
	if err != nil {
		return err
	}
	today := 0
	month := decimal.Zero
	for _, refund := range refunds {
		if !holdsCapacity(refund.Status) {
			continue
		}
		if !refund.CreatedAt.Before(startOfDay) {
			today++
		}
		month = month.Add(refund.Amount)
	}

	if policy.DailyCountLimit > 0 && today >= policy.DailyCountLimit {
		return refunddomain.Reject(refunddomain.RejectDailyLimitExceeded, "daily refund limit of %d reached", policy.DailyCountLimit)
	}
	if policy.MonthlyAmountLimit.IsPositive() && month.Add(amount).GreaterThan(policy.MonthlyAmountLimit) {
		return refunddomain.Reject(refunddomain.RejectMonthlyLimitExceeded, "monthly refund limit of %s exceeded", policy.MonthlyAmountLimit.StringFixed(2))
	}
	return nil
}

func (s *Service) insertChild(ctx context.Context, tx *gorm.DB, parent *paymentdomain.Payment, req refunddomain.Request) (*paymentdomain.Payment, error) {
	now := s.clock.Now()
	parentID := parent.ID
	child := &paymentdomain.Payment{
		ID:              s.genID.Generate(),
		Number:          "REF-" + ulid.Make().String(),
		UserID:          parent.UserID,
		Method:          parent.Method,
		Type:            paymentdomain.TypeRefund,
		Gateway:         parent.Gateway,
		Amount:          req.Amount,
		Fee:             decimal.Zero,
		TotalAmount:     req.Amount,
		DiscountAmount:  decimal.Zero,
		Currency:        parent.Currency,
		Status:          paymentdomain.StatusPending,
		PayableType:     parent.PayableType,
		PayableID:       parent.PayableID,
		ParentPaymentID: &parentID,
		Metadata: datatypes.JSONMap{
			paymentdomain.MetaRefundReason: req.Reason,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Actor.Type != "" {
		child.SetMeta(paymentdomain.MetaRefundActor, req.Actor.Type+":"+req.Actor.ID)
	}
	if err := s.repo.Insert(ctx, tx, child); err != nil {
		return nil, err
	}

	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        events.EventRefundCreated,
		AggregateID: child.ID,
		DedupeKey:   "refund:" + child.ID.String() + ":created",
		Payload: map[string]any{
			"refund_id":  child.ID.String(),
			"payment_id": parent.ID.String(),
			"amount":     child.Amount.StringFixed(2),
			"currency":   child.Currency,
		},
	}); err != nil {
		return nil, err
	}

	var actorID *string
	if req.Actor.ID != "" {
		actorID = &req.Actor.ID
	}
	targetID := child.ID.String()
	if err := s.auditSvc.AuditLog(ctx, tx, req.Actor.Type, actorID, "refund.requested", "payment", &targetID, map[string]any{
		"payment_id": parent.ID.String(),
		"amount":     child.Amount.StringFixed(2),
		"reason":     req.Reason,
		"status":     string(child.Status),
	}); err != nil {
		return nil, err
	}
	return child, nil
}

func (s *Service) execute(ctx context.Context, adapter paymentdomain.GatewayAdapter, parent, child *paymentdomain.Payment) (*refunddomain.Result, error) {
	key := paymentdomain.IdempotencyKey(child)
	refunded, err := retry.Gateway(ctx, s.retry, func(ctx context.Context) (*paymentdomain.RefundResult, error) {
		return adapter.Refund(ctx, parent, child.Amount, key)
	})

	req := lifecycle.Request{
		PaymentID: child.ID,
		Source:    paymentdomain.ExchangeRefund,
	}
	switch {
	case err == nil:
		req.Payload = refunded.Raw
		req.ExternalID = refunded.ExternalRefundID
		switch refunded.Status {
		case paymentdomain.StatusCompleted, paymentdomain.StatusFailed:
			req.Target = refunded.Status
		default:
			req.Target = paymentdomain.StatusProcessing
		}
		if req.Target == paymentdomain.StatusFailed {
			req.Reason = "gateway declined refund"
		}
	case paymentdomain.IsTransient(err):
		s.log.Warn("refund gateway call failed transiently",
			zap.String("refund_id", child.ID.String()),
			zap.String("gateway", child.Gateway),
			zap.Error(err),
		)
		req.Target = paymentdomain.StatusPending
		req.Error = paymentdomain.FailureMessage(err)
	case paymentdomain.IsPermanent(err):
		req.Target = paymentdomain.StatusFailed
		req.Reason = paymentdomain.FailureMessage(err)
	default:
		return nil, err
	}
	req.AllowStale = true

	out, err := s.engine.Apply(ctx, req)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.FindByID(ctx, s.db, parent.ID)
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordRefundRequest(ctx, child.Gateway, string(out.Payment.Status))
	s.log.Info("refund settled",
		zap.String("payment_id", parent.ID.String()),
		zap.String("refund_id", child.ID.String()),
		zap.String("amount", child.Amount.StringFixed(2)),
		zap.String("status", string(out.Payment.Status)),
		zap.String("parent_status", string(current.Status)),
	)
	return &refunddomain.Result{Refund: out.Payment, Parent: current}, nil
}

func (s *Service) allow(ctx context.Context, userID string) bool {
	if s.throttle == nil {
		return true
	}
	allowed, err := s.throttle.Allow(ctx, "refund:"+userID)
	if err != nil {
		s.log.Warn("refund throttle unavailable", zap.Error(err))
		return true
	}
	return allowed
}

// rejected records a business refusal and hands it back to the caller.
func (s *Service) rejected(ctx context.Context, req refunddomain.Request, gateway string, err error) error {
	rej, ok := refunddomain.AsRejection(err)
	if !ok {
		return err
	}
	s.obsMetrics.RecordRefundRequest(ctx, gateway, "rejected")
	s.log.Info("refund rejected",
		zap.String("payment_id", req.PaymentID.String()),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("code", string(rej.Code)),
		zap.String("reason", req.Reason),
	)

	var actorID *string
	if req.Actor.ID != "" {
		actorID = &req.Actor.ID
	}
	targetID := req.PaymentID.String()
	if auditErr := s.auditSvc.AuditLog(ctx, nil, req.Actor.Type, actorID, "refund.rejected", "payment", &targetID, map[string]any{
		"amount": req.Amount.StringFixed(2),
		"reason": req.Reason,
		"code":   string(rej.Code),
	}); auditErr != nil {
		s.log.Warn("failed to audit refund rejection", zap.Error(auditErr))
	}
	return rej
}
