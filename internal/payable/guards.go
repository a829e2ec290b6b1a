package payable

import (
	"context"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
)

// StateLookup reports the provider-side state of a payable, e.g. a booking
// that the provider has started.
type StateLookup interface {
	PayableState(ctx context.Context, payableType, payableID string) (string, error)
}

// ServiceStartedGuard refuses refunds once the provider marked the service
// as started or finished.
type ServiceStartedGuard struct {
	States        StateLookup
	BlockedStates []string
}

func NewServiceStartedGuard(states StateLookup) ServiceStartedGuard {
	return ServiceStartedGuard{States: states, BlockedStates: []string{"in_progress", "completed"}}
}

func (g ServiceStartedGuard) CheckRefund(ctx context.Context, payment *paymentdomain.Payment, _ time.Time) error {
	if g.States == nil || payment.PayableID == "" {
		return nil
	}
	state, err := g.States.PayableState(ctx, payment.PayableType, payment.PayableID)
	if err != nil {
		return err
	}
	state = strings.ToLower(strings.TrimSpace(state))
	for _, blocked := range g.BlockedStates {
		if state == blocked {
			return refunddomain.Reject(refunddomain.RejectServiceStarted, "service is %s", state)
		}
	}
	return nil
}

// ScheduledStartGuard refuses deposit refunds once the scheduled service
// start has passed.
type ScheduledStartGuard struct{}

func (ScheduledStartGuard) CheckRefund(_ context.Context, payment *paymentdomain.Payment, now time.Time) error {
	if payment.ScheduledStartAt == nil || now.Before(*payment.ScheduledStartAt) {
		return nil
	}
	return refunddomain.Reject(refunddomain.RejectDepositServiceStarted, "service was scheduled to start at %s", payment.ScheduledStartAt.UTC().Format(time.RFC3339))
}
