package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/balance"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/events"
	ledgerdomain "github.com/smallbiznis/payflow/internal/ledger/domain"
	"github.com/smallbiznis/payflow/internal/notify"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/payable"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/statemachine"
	"github.com/smallbiznis/payflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxTxAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service
	Outbox     *events.Outbox
	Payables   *payable.Registry
	Balance    balance.Store
	Notifier   notify.Notifier
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Engine applies status transitions. Every transition runs under the
// payment row lock and writes its side effects in the same transaction;
// notifications go out after commit.
type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	payables   *payable.Registry
	balance    balance.Store
	notifier   notify.Notifier
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewEngine(p Params) *Engine {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("payment.lifecycle"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		payables:   p.Payables,
		balance:    p.Balance,
		notifier:   p.Notifier,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

type Request struct {
	PaymentID snowflake.ID
	Target    paymentdomain.Status
	// Source and Payload, when set, append a gateway exchange record.
	Source  paymentdomain.ExchangeSource
	Payload []byte
	// Error is stored on the exchange record; failures default to Reason.
	Error  string
	Reason string
	// ExternalID is assigned before the transition; a conflicting value fails.
	ExternalID string
	// Mutate edits the locked payment before it is written.
	Mutate func(payment *paymentdomain.Payment)
	// Within runs after the transition, inside the same transaction.
	Within func(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error
	// AllowStale turns an unreachable target into a recorded no-op. Used for
	// gateway reports that arrive after the payment moved on.
	AllowStale bool
}

type Step struct {
	PaymentID snowflake.ID
	Gateway   string
	From      paymentdomain.Status
	To        paymentdomain.Status
}

type notice struct {
	userID   string
	template string
	data     map[string]any
}

type Outcome struct {
	Payment *paymentdomain.Payment
	From    paymentdomain.Status
	// Steps lists every transition written, parents of refunds included.
	Steps []Step
	// Stale is set when the target was unreachable and AllowStale applied.
	Stale   bool
	notices []notice
}

// Applied reports whether the requested payment changed status.
func (o *Outcome) Applied() bool {
	if o == nil || o.Payment == nil {
		return false
	}
	for _, step := range o.Steps {
		if step.PaymentID == o.Payment.ID {
			return true
		}
	}
	return false
}

// Apply runs the transition in its own transaction and dispatches
// notifications once it commits. A transaction that loses a serialization
// race is run again from a fresh read.
func (e *Engine) Apply(ctx context.Context, req Request) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			out, txErr = e.ApplyTx(ctx, tx, req)
			return txErr
		})
		if err == nil || !db.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		e.log.Warn("transition conflicted, retrying",
			zap.String("payment_id", req.PaymentID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if err != nil {
		return nil, err
	}
	e.Dispatch(ctx, out)
	return out, nil
}

// ApplyTx locks the payment inside tx and transitions it. The caller must
// call Dispatch after tx commits.
func (e *Engine) ApplyTx(ctx context.Context, tx *gorm.DB, req Request) (*Outcome, error) {
	payment, err := e.repo.FindByIDForUpdate(ctx, tx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Payment: payment, From: payment.Status}
	if err := e.transition(ctx, tx, payment, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dispatch sends the notifications collected by committed transitions.
// Failures are logged and never undo a transition.
func (e *Engine) Dispatch(ctx context.Context, outcomes ...*Outcome) {
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		for _, step := range out.Steps {
			e.obsMetrics.RecordPaymentTransition(ctx, step.Gateway, string(step.From), string(step.To))
		}
		if e.notifier == nil {
			continue
		}
		for _, n := range out.notices {
			if err := e.notifier.Notify(ctx, n.userID, n.template, n.data); err != nil {
				e.log.Warn("notification failed",
					zap.String("user_id", n.userID),
					zap.String("template", n.template),
					zap.Error(err),
				)
			}
		}
	}
}

func (e *Engine) transition(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, req Request, out *Outcome) error {
	from := payment.Status
	if req.ExternalID != "" {
		if err := payment.AssignExternalID(req.ExternalID); err != nil {
			return err
		}
	}
	if req.Mutate != nil {
		req.Mutate(payment)
	}

	route, err := statemachine.Route(from, req.Target)
	if err == nil && from == paymentdomain.StatusHeld && req.Target != paymentdomain.StatusPending && req.Target != paymentdomain.StatusCancelled {
		// held payments leave only through release or cancel
		err = &statemachine.TransitionError{From: from, To: req.Target}
	}
	if err != nil {
		if !req.AllowStale {
			return err
		}
		e.log.Info("stale transition ignored",
			zap.String("payment_id", payment.ID.String()),
			zap.String("status", string(from)),
			zap.String("target", string(req.Target)),
		)
		if payment.ID == out.Payment.ID {
			out.Stale = true
		}
		route = nil
	}

	now := e.clock.Now()
	for _, to := range route {
		stamp(payment, to, now, req.Reason)
	}
	if err := e.repo.Update(ctx, tx, payment); err != nil {
		return err
	}
	if err := e.recordExchange(ctx, tx, payment, req, now); err != nil {
		return err
	}

	prev := from
	for _, to := range route {
		if err := e.afterStep(ctx, tx, payment, prev, to, req, out); err != nil {
			return err
		}
		prev = to
	}

	if req.Within != nil {
		return req.Within(ctx, tx, payment)
	}
	return nil
}

func stamp(payment *paymentdomain.Payment, to paymentdomain.Status, now time.Time, reason string) {
	payment.Status = to
	switch to {
	case paymentdomain.StatusCompleted:
		if payment.ConfirmedAt == nil {
			payment.ConfirmedAt = &now
		}
	case paymentdomain.StatusFailed:
		payment.FailedAt = &now
		if reason != "" {
			payment.FailureReason = reason
		}
	case paymentdomain.StatusCancelled:
		payment.CancelledAt = &now
		if reason != "" {
			payment.FailureReason = reason
		}
	case paymentdomain.StatusHeld:
		if reason != "" {
			payment.SetMeta(paymentdomain.MetaHoldReason, reason)
		}
	case paymentdomain.StatusRefunded, paymentdomain.StatusPartiallyRefunded:
		payment.RefundedAt = &now
	case paymentdomain.StatusRefundFailed:
		if reason != "" {
			payment.FailureReason = reason
		}
	}
}

func (e *Engine) recordExchange(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, req Request, now time.Time) error {
	if req.Source == "" {
		return nil
	}
	exchange := paymentdomain.GatewayExchange{
		ID:         e.genID.Generate(),
		PaymentID:  payment.ID,
		Source:     req.Source,
		Payload:    paymentdomain.ExchangePayload(req.Payload),
		RecordedAt: now,
	}
	exchange.Error = req.Error
	if exchange.Error == "" && (req.Target == paymentdomain.StatusFailed || req.Target == paymentdomain.StatusRefundFailed) {
		exchange.Error = req.Reason
	}
	return e.repo.AppendExchange(ctx, tx, &exchange)
}

func (e *Engine) afterStep(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, from, to paymentdomain.Status, req Request, out *Outcome) error {
	out.Steps = append(out.Steps, Step{PaymentID: payment.ID, Gateway: payment.Gateway, From: from, To: to})

	if err := e.outbox.PublishTx(ctx, tx, events.Event{
		Type:        events.EventPaymentStatusChanged,
		AggregateID: payment.ID,
		DedupeKey:   fmt.Sprintf("payment:%s:%s:%s", payment.ID, to, payment.UpdatedAt.Format(time.RFC3339Nano)),
		Payload: map[string]any{
			"payment_id": payment.ID.String(),
			"number":     payment.Number,
			"type":       string(payment.Type),
			"from":       string(from),
			"to":         string(to),
		},
	}); err != nil {
		return err
	}

	targetID := payment.ID.String()
	if err := e.auditSvc.AuditLog(ctx, tx, "", nil, "payment.transition", "payment", &targetID, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": req.Reason,
		"source": string(req.Source),
		"amount": payment.Amount.StringFixed(2),
	}); err != nil {
		return err
	}

	e.log.Info("payment transitioned",
		zap.String("payment_id", payment.ID.String()),
		zap.String("gateway", payment.Gateway),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", req.Reason),
	)

	switch to {
	case paymentdomain.StatusCompleted:
		if payment.IsRefund() {
			if err := e.postRefund(ctx, tx, payment); err != nil {
				return err
			}
			out.notices = append(out.notices, newNotice(payment, notify.TemplateRefundProcessed))
			return e.settleParent(ctx, tx, payment, out)
		}
		return e.complete(ctx, tx, payment, out)
	case paymentdomain.StatusFailed:
		if payment.IsRefund() {
			return e.failParent(ctx, tx, payment, req.Reason, out)
		}
		out.notices = append(out.notices, newNotice(payment, notify.TemplatePaymentFailed))
	case paymentdomain.StatusRefunded, paymentdomain.StatusPartiallyRefunded:
		return e.payables.Deactivate(ctx, tx, payment)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, out *Outcome) error {
	if err := e.postPayment(ctx, tx, payment); err != nil {
		return err
	}
	if payment.Type == paymentdomain.TypeTopUp {
		if err := e.balance.Credit(ctx, tx, payment.UserID, payment.Amount, payment.Currency, "topup:"+payment.ID.String()); err != nil {
			return fmt.Errorf("credit top-up: %w", err)
		}
	}
	if err := e.payables.Activate(ctx, tx, payment); err != nil {
		return err
	}
	out.notices = append(out.notices, newNotice(payment, notify.TemplatePaymentSucceeded))
	return nil
}

// settleParent recomputes the parent status from its completed refunds.
func (e *Engine) settleParent(ctx context.Context, tx *gorm.DB, refund *paymentdomain.Payment, out *Outcome) error {
	if refund.ParentPaymentID == nil {
		return nil
	}
	parent, err := e.repo.FindByIDForUpdate(ctx, tx, *refund.ParentPaymentID)
	if err != nil {
		return err
	}
	refunded, err := CompletedRefunds(ctx, tx, e.repo, parent.ID)
	if err != nil {
		return err
	}

	target := paymentdomain.StatusPartiallyRefunded
	if refunded.GreaterThanOrEqual(parent.Amount) {
		target = paymentdomain.StatusRefunded
	}
	return e.transition(ctx, tx, parent, Request{
		PaymentID:  parent.ID,
		Target:     target,
		AllowStale: true,
		Mutate: func(p *paymentdomain.Payment) {
			p.SetMeta("refunded_amount", refunded.StringFixed(2))
		},
	}, out)
}

// failParent marks a parent whose only refund attempts failed. A parent that
// already had money returned keeps its status.
func (e *Engine) failParent(ctx context.Context, tx *gorm.DB, refund *paymentdomain.Payment, reason string, out *Outcome) error {
	if refund.ParentPaymentID == nil {
		return nil
	}
	parent, err := e.repo.FindByIDForUpdate(ctx, tx, *refund.ParentPaymentID)
	if err != nil {
		return err
	}
	if parent.Status != paymentdomain.StatusCompleted {
		return nil
	}
	return e.transition(ctx, tx, parent, Request{
		PaymentID:  parent.ID,
		Target:     paymentdomain.StatusRefundFailed,
		Reason:     reason,
		AllowStale: true,
	}, out)
}

// CompletedRefunds sums the completed refunds of a payment.
func CompletedRefunds(ctx context.Context, db *gorm.DB, repo paymentdomain.Repository, parentID snowflake.ID) (decimal.Decimal, error) {
	refunds, err := repo.ListRefunds(ctx, db, parentID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, refund := range refunds {
		if refund.Status == paymentdomain.StatusCompleted {
			total = total.Add(refund.Amount)
		}
	}
	return total, nil
}

func newNotice(payment *paymentdomain.Payment, template string) notice {
	return notice{
		userID:   payment.UserID,
		template: template,
		data: map[string]any{
			"payment_id": payment.ID.String(),
			"number":     payment.Number,
			"amount":     payment.TotalAmount.StringFixed(2),
			"currency":   payment.Currency,
			"status":     string(payment.Status),
		},
	}
}
