package payable

import (
	"context"

	"github.com/smallbiznis/payflow/internal/events"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"gorm.io/gorm"
)

// DefaultPayableTypes are settled by publishing payable events; the owning
// domains consume them from the outbox.
var DefaultPayableTypes = []string{"booking", "ad", "subscription"}

// OutboxPublisher is satisfied by *events.Outbox.
type OutboxPublisher interface {
	PublishTx(ctx context.Context, tx *gorm.DB, event events.Event) error
}

// OutboxHandler hands activation to the owning domain through the outbox,
// in the transition transaction.
type OutboxHandler struct {
	Outbox OutboxPublisher
}

func (h OutboxHandler) Activate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	return h.publish(ctx, tx, events.EventPayableActivated, payment)
}

func (h OutboxHandler) Deactivate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error {
	return h.publish(ctx, tx, events.EventPayableDeactivated, payment)
}

func (h OutboxHandler) publish(ctx context.Context, tx *gorm.DB, eventType string, payment *paymentdomain.Payment) error {
	if h.Outbox == nil {
		return nil
	}
	return h.Outbox.PublishTx(ctx, tx, events.Event{
		Type:        eventType,
		AggregateID: payment.ID,
		DedupeKey:   eventType + ":" + payment.ID.String(),
		Payload: map[string]any{
			"payment_id":   payment.ID.String(),
			"payable_type": payment.PayableType,
			"payable_id":   payment.PayableID,
			"user_id":      payment.UserID,
			"status":       string(payment.Status),
			"amount":       payment.Amount.StringFixed(2),
			"currency":     payment.Currency,
		},
	})
}
