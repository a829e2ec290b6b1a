package payable

import (
	"context"
	"strings"
	"sync"
	"time"

	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler is implemented by the domain a payment settles. Both calls run
// inside the transition transaction; an error rolls the transition back.
type Handler interface {
	Activate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error
	Deactivate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error
}

// RefundGuard vetoes refunds the payable domain cannot honour. A veto is a
// *refunddomain.RejectionError; any other error is a fault.
type RefundGuard interface {
	CheckRefund(ctx context.Context, payment *paymentdomain.Payment, now time.Time) error
}

type HandlerFuncs struct {
	ActivateFunc   func(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error
	DeactivateFunc func(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error
}

func (h HandlerFuncs) Activate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	if h.ActivateFunc == nil {
		return nil
	}
	return h.ActivateFunc(ctx, tx, payment)
}

func (h HandlerFuncs) Deactivate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	if h.DeactivateFunc == nil {
		return nil
	}
	return h.DeactivateFunc(ctx, tx, payment)
}

// Registry maps a payable type tag to its capabilities.
type Registry struct {
	mu       sync.RWMutex
	log      *zap.Logger
	handlers map[string]Handler
	guards   map[string][]RefundGuard
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:      log.Named("payable.registry"),
		handlers: map[string]Handler{},
		guards:   map[string][]RefundGuard{},
	}
}

func normalizeType(payableType string) string {
	return strings.ToLower(strings.TrimSpace(payableType))
}

func (r *Registry) Register(payableType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[normalizeType(payableType)] = handler
}

func (r *Registry) RegisterGuard(payableType string, guard RefundGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeType(payableType)
	r.guards[key] = append(r.guards[key], guard)
}

func (r *Registry) handler(payableType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeType(payableType)]
	return h, ok
}

// Activate dispatches to the handler of the payment's payable type. Unknown
// types are logged and skipped.
func (r *Registry) Activate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	h, ok := r.handler(payment.PayableType)
	if !ok {
		r.skip("activate", payment)
		return nil
	}
	return h.Activate(ctx, tx, payment)
}

func (r *Registry) Deactivate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	h, ok := r.handler(payment.PayableType)
	if !ok {
		r.skip("deactivate", payment)
		return nil
	}
	return h.Deactivate(ctx, tx, payment)
}

// CheckRefund runs every guard of the payable type; the first veto wins.
func (r *Registry) CheckRefund(ctx context.Context, payment *paymentdomain.Payment, now time.Time) error {
	r.mu.RLock()
	guards := append([]RefundGuard(nil), r.guards[normalizeType(payment.PayableType)]...)
	r.mu.RUnlock()

	for _, guard := range guards {
		if err := guard.CheckRefund(ctx, payment, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) skip(op string, payment *paymentdomain.Payment) {
	if payment.PayableType == "" {
		return
	}
	r.log.Info("no payable handler registered",
		zap.String("op", op),
		zap.String("payable_type", payment.PayableType),
		zap.String("payable_id", payment.PayableID),
		zap.String("payment_id", payment.ID.String()),
	)
}
