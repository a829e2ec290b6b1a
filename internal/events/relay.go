package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher hands one outbox event to its downstream consumer.
type Dispatcher interface {
	Dispatch(ctx context.Context, event OutboxEvent) error
}

// LogDispatcher only logs events. It is the default until a broker is wired.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) Dispatcher {
	return &LogDispatcher{log: log.Named("events.dispatch")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, event OutboxEvent) error {
	d.log.Info("outbox event",
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID.String()),
		zap.String("dedupe_key", event.DedupeKey),
	)
	return nil
}

// Relay dispatches up to limit pending events in creation order and marks
// each one dispatched. It stops at the first failure so later events of the
// same aggregate are not delivered ahead of it.
func (o *Outbox) Relay(ctx context.Context, dispatcher Dispatcher, limit int) (int, error) {
	pending, err := o.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, event := range pending {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if err := dispatcher.Dispatch(ctx, event); err != nil {
			return dispatched, fmt.Errorf("dispatch %s: %w", event.ID, err)
		}
		if err := o.MarkDispatched(ctx, event.ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}
