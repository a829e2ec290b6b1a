package notify

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TemplatePaymentSucceeded = "payment_succeeded"
	TemplatePaymentFailed    = "payment_failed"
	TemplateRefundProcessed  = "refund_processed"
)

// Notifier delivers a templated message to a user. Delivery happens after
// the payment transaction commits; a failure never undoes the transition.
type Notifier interface {
	Notify(ctx context.Context, userID, templateKey string, data map[string]any) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, userID, templateKey string, data map[string]any) error {
	n.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("template", templateKey),
		zap.Any("data", data),
	)
	return nil
}

var Module = fx.Module("notify",
	fx.Provide(func(log *zap.Logger) Notifier { return NewLogNotifier(log) }),
)
