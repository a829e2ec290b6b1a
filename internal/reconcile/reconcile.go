package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/events"
	obscontext "github.com/smallbiznis/payflow/internal/observability/context"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobPollPayments  = "poll_payments"
	JobResumeRefunds = "resume_refunds"
	JobPurgeReceipts = "purge_receipts"
	JobRelayOutbox   = "relay_outbox"

	lockKey = "payflow:reconcile:lock"
)

var jobResources = map[string]string{
	JobPollPayments:  "payment",
	JobResumeRefunds: "refund",
	JobPurgeReceipts: "webhook_receipt",
	JobRelayOutbox:   "outbox_event",
}

var ErrInvalidConfig = errors.New("reconcile_invalid_config")

// StatusChecker polls a gateway for the state of one payment.
type StatusChecker interface {
	CheckStatus(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Status, error)
}

// Locker grants one reconciler at a time across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Payments   StatusChecker
	Refunds    refunddomain.Service
	Config     Config                       `optional:"true"`
	Locker     *ratelimit.Locker            `optional:"true"`
	Clock      clock.Clock                  `optional:"true"`
	Metrics    *obsmetrics.ReconcileMetrics `optional:"true"`
	Outbox     *events.Outbox               `optional:"true"`
	Dispatcher events.Dispatcher            `optional:"true"`
}

// Reconciler settles what webhooks left behind: payments stuck before a
// final status, refunds whose gateway call never answered and receipts past
// retention. It also drains the outbox when one is wired.
type Reconciler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	payments   StatusChecker
	refunds    refunddomain.Service
	locker     Locker
	clock      clock.Clock
	metrics    *obsmetrics.ReconcileMetrics
	outbox     *events.Outbox
	dispatcher events.Dispatcher
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Repo == nil || p.Payments == nil || p.Refunds == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	r := &Reconciler{
		db:       p.DB,
		log:      p.Log.Named("reconcile"),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		repo:     p.Repo,
		payments: p.Payments,
		refunds:  p.Refunds,
		clock:    clk,
		metrics:  p.Metrics,
		outbox:   p.Outbox,
	}
	if p.Locker != nil {
		r.locker = p.Locker
	}
	if p.Outbox != nil && p.Dispatcher != nil {
		r.dispatcher = p.Dispatcher
	}
	return r, nil
}

// RunOnce runs every job once. Without the cluster lock it does nothing, and
// losing the lease midway stops the remaining jobs.
func (r *Reconciler) RunOnce(parent context.Context) error {
	ctx := obscontext.WithActor(parent, "system", "reconciler")

	lease, ok, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r.metrics.IncBatchDeferred("run", obsmetrics.BatchDeferredReasonLocked)
		r.log.Debug("reconcile skipped; another replica holds the lock")
		return nil
	}
	defer lease.release()

	jobs := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{JobPollPayments, r.PollPaymentsJob},
		{JobResumeRefunds, r.ResumeRefundsJob},
		{JobPurgeReceipts, r.PurgeReceiptsJob},
		{JobRelayOutbox, r.RelayOutboxJob},
	}

	var errs error
	for i, job := range jobs {
		errs = errors.Join(errs, r.runJob(ctx, job.name, job.fn))
		if i == len(jobs)-1 {
			break
		}
		if !lease.extend(ctx) {
			r.metrics.IncBatchDeferred("run", obsmetrics.BatchDeferredReasonLocked)
			r.log.Warn("reconcile lease lost; stopping run", zap.String("after_job", job.name))
			break
		}
	}
	return errs
}

func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconcile run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type lease struct {
	release func()
	extend  func(ctx context.Context) bool
}

func (r *Reconciler) acquire(ctx context.Context) (*lease, bool, error) {
	if r.locker == nil {
		return &lease{release: func() {}, extend: func(context.Context) bool { return true }}, true, nil
	}
	token, ok, err := r.locker.TryLock(ctx, lockKey, r.cfg.LockTTL)
	if err != nil {
		r.log.Warn("reconcile lock unavailable", zap.Error(err))
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &lease{
		release: func() {
			if err := r.locker.Release(context.Background(), lockKey, token); err != nil {
				r.log.Warn("reconcile lock release failed", zap.Error(err))
			}
		},
		extend: func(ctx context.Context) bool {
			held, err := r.locker.Extend(ctx, lockKey, token, r.cfg.LockTTL)
			if err != nil {
				r.log.Warn("reconcile lock extend failed", zap.Error(err))
				return false
			}
			return held
		},
	}, true, nil
}

func (r *Reconciler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	start := r.clock.Now()
	ctx, cancel := context.WithTimeout(parent, r.cfg.JobTimeout)
	defer cancel()

	runID := r.genID.Generate().String()
	log := r.log.With(zap.String("job", name), zap.String("run_id", runID))
	r.metrics.IncJobRun(name)

	processed, err := fn(ctx)
	elapsed := r.clock.Now().Sub(start)
	r.metrics.ObserveJobDuration(name, elapsed)
	r.metrics.AddBatchProcessed(name, jobResources[name], processed)

	fields := []zap.Field{
		zap.Int("processed_count", processed),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if err == nil {
		log.Info("reconcile.job.finish", fields...)
		return nil
	}

	r.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("reconcile job timed out", append(fields, zap.Error(err))...)
		return nil
	}
	log.Warn("reconcile.job.finish", append(fields, zap.Error(err))...)
	return fmt.Errorf("%s: %w", name, err)
}

// PollPaymentsJob asks gateways about payments whose status has not moved
// for StaleAfter. One failing payment does not stop the batch.
func (r *Reconciler) PollPaymentsJob(ctx context.Context) (int, error) {
	stale, err := r.repo.ListStale(ctx, r.db, []paymentdomain.Status{
		paymentdomain.StatusPending,
		paymentdomain.StatusProcessing,
		paymentdomain.StatusAuthorized,
	}, r.clock.Now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      error
	)
	for _, payment := range stale {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if payment.IsRefund() {
			continue
		}
		status, err := r.payments.CheckStatus(ctx, payment.ID)
		if err != nil {
			if paymentdomain.IsTransient(err) {
				r.metrics.IncBatchDeferred(JobPollPayments, obsmetrics.JobReasonGateway)
				continue
			}
			errs = errors.Join(errs, fmt.Errorf("payment %s: %w", payment.ID, err))
			continue
		}
		processed++
		if status != payment.Status {
			r.log.Info("payment reconciled",
				zap.String("payment_id", payment.ID.String()),
				zap.String("from", string(payment.Status)),
				zap.String("to", string(status)),
			)
		}
	}
	return processed, errs
}

// ResumeRefundsJob re-drives refunds left pending by a transient gateway
// failure.
func (r *Reconciler) ResumeRefundsJob(ctx context.Context) (int, error) {
	stale, err := r.repo.ListStale(ctx, r.db, []paymentdomain.Status{paymentdomain.StatusPending}, r.clock.Now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      error
	)
	for _, payment := range stale {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if !payment.IsRefund() {
			continue
		}
		result, err := r.refunds.Resume(ctx, payment.ID)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("refund %s: %w", payment.ID, err))
			continue
		}
		processed++
		r.log.Info("refund resumed",
			zap.String("refund_id", payment.ID.String()),
			zap.String("status", string(result.Refund.Status)),
		)
	}
	return processed, errs
}

// PurgeReceiptsJob drops webhook receipts of settled payments past retention.
func (r *Reconciler) PurgeReceiptsJob(ctx context.Context) (int, error) {
	purged, err := r.repo.PurgeReceipts(ctx, r.db, []paymentdomain.Status{
		paymentdomain.StatusFailed,
		paymentdomain.StatusCancelled,
		paymentdomain.StatusRefunded,
	}, r.clock.Now().Add(-r.cfg.ReceiptRetention))
	return int(purged), err
}

// RelayOutboxJob hands pending domain events to the dispatcher.
func (r *Reconciler) RelayOutboxJob(ctx context.Context) (int, error) {
	if r.outbox == nil || r.dispatcher == nil {
		return 0, nil
	}
	return r.outbox.Relay(ctx, r.dispatcher, r.cfg.BatchSize)
}
