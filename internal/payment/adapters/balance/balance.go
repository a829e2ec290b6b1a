package balance

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	balancestore "github.com/smallbiznis/payflow/internal/balance"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"gorm.io/gorm"
)

const Gateway = "balance"

type Factory struct {
	db    *gorm.DB
	store balancestore.Store
}

func NewFactory(db *gorm.DB, store balancestore.Store) *Factory {
	return &Factory{db: db, store: store}
}

func (f *Factory) Gateway() string { return Gateway }

func (f *Factory) Methods() []paymentdomain.Method {
	return []paymentdomain.Method{paymentdomain.MethodBalance}
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.GatewayAdapter, error) {
	if f.db == nil || f.store == nil {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{db: f.db, store: f.store}, nil
}

// Adapter settles payments against internal user balances. It completes
// synchronously and never sends notifications.
type Adapter struct {
	db    *gorm.DB
	store balancestore.Store
}

func (a *Adapter) Capabilities() paymentdomain.Capabilities {
	return paymentdomain.Capabilities{Refunds: true, Cancel: true, Polling: true}
}

func (a *Adapter) CreatePayment(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.CreateResult, error) {
	key := paymentdomain.IdempotencyKey(payment)
	err := a.store.Debit(ctx, a.db, payment.UserID, payment.TotalAmount, payment.Currency, key)
	switch {
	case errors.Is(err, balancestore.ErrInsufficientFunds):
		return nil, paymentdomain.NewPermanentError(Gateway, "create", "insufficient_funds", "insufficient balance")
	case errors.Is(err, balancestore.ErrInvalidAmount):
		return nil, paymentdomain.NewPermanentError(Gateway, "create", "invalid_amount", "amount must be positive")
	case err != nil:
		return nil, paymentdomain.NewTransientError(Gateway, "create", err)
	}
	return &paymentdomain.CreateResult{
		ExternalID: "bal_" + key,
		Status:     paymentdomain.StatusCompleted,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.StatusResult, error) {
	key := paymentdomain.IdempotencyKey(payment)
	applied, err := a.store.Applied(ctx, a.db, key)
	if err != nil {
		return nil, paymentdomain.NewTransientError(Gateway, "query", err)
	}
	if !applied {
		return &paymentdomain.StatusResult{Status: payment.Status}, nil
	}
	return &paymentdomain.StatusResult{
		ExternalID: "bal_" + key,
		Status:     paymentdomain.StatusCompleted,
		Paid:       true,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, payment *paymentdomain.Payment, amount decimal.Decimal, idempotencyKey string) (*paymentdomain.RefundResult, error) {
	if err := a.store.Credit(ctx, a.db, payment.UserID, amount, payment.Currency, idempotencyKey); err != nil {
		if errors.Is(err, balancestore.ErrInvalidAmount) {
			return nil, paymentdomain.NewPermanentError(Gateway, "refund", "invalid_amount", "amount must be positive")
		}
		return nil, paymentdomain.NewTransientError(Gateway, "refund", err)
	}
	return &paymentdomain.RefundResult{
		ExternalRefundID: "balref_" + idempotencyKey,
		Status:           paymentdomain.StatusCompleted,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, payment *paymentdomain.Payment, reason string) (*paymentdomain.CancelResult, error) {
	return &paymentdomain.CancelResult{Status: paymentdomain.StatusCancelled}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return paymentdomain.ErrWebhookUnsupported
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	return nil, paymentdomain.ErrWebhookUnsupported
}
