package payable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/events"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"github.com/smallbiznis/payflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type stateLookup map[string]string

func (s stateLookup) PayableState(_ context.Context, _, payableID string) (string, error) {
	return s[payableID], nil
}

func TestRegistryDispatchesByType(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	var activated, deactivated int
	registry.Register("Booking", HandlerFuncs{
		ActivateFunc: func(context.Context, *gorm.DB, *paymentdomain.Payment) error {
			activated++
			return nil
		},
		DeactivateFunc: func(context.Context, *gorm.DB, *paymentdomain.Payment) error {
			deactivated++
			return nil
		},
	})

	ctx := context.Background()
	payment := &paymentdomain.Payment{PayableType: " booking ", PayableID: "b-1"}
	require.NoError(t, registry.Activate(ctx, nil, payment))
	require.NoError(t, registry.Deactivate(ctx, nil, payment))
	assert.Equal(t, 1, activated)
	assert.Equal(t, 1, deactivated)

	unknown := &paymentdomain.Payment{PayableType: "tour", PayableID: "t-1"}
	assert.NoError(t, registry.Activate(ctx, nil, unknown))
	assert.NoError(t, registry.Deactivate(ctx, nil, unknown))
}

func TestRegistryPropagatesHandlerError(t *testing.T) {
	registry := NewRegistry(nil)
	boom := errors.New("boom")
	registry.Register("ad", HandlerFuncs{
		ActivateFunc: func(context.Context, *gorm.DB, *paymentdomain.Payment) error { return boom },
	})

	err := registry.Activate(context.Background(), nil, &paymentdomain.Payment{PayableType: "ad"})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, registry.Deactivate(context.Background(), nil, &paymentdomain.Payment{PayableType: "ad"}))
}

func TestServiceStartedGuard(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterGuard("booking", NewServiceStartedGuard(stateLookup{
		"b-started": "IN_PROGRESS",
		"b-open":    "confirmed",
	}))

	now := time.Now()
	err := registry.CheckRefund(context.Background(), &paymentdomain.Payment{PayableType: "booking", PayableID: "b-started"}, now)
	rej, ok := refunddomain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, refunddomain.RejectServiceStarted, rej.Code)

	assert.NoError(t, registry.CheckRefund(context.Background(), &paymentdomain.Payment{PayableType: "booking", PayableID: "b-open"}, now))
	assert.NoError(t, registry.CheckRefund(context.Background(), &paymentdomain.Payment{PayableType: "ad", PayableID: "b-started"}, now))
}

func TestScheduledStartGuard(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	err := ScheduledStartGuard{}.CheckRefund(context.Background(), &paymentdomain.Payment{ScheduledStartAt: &past}, now)
	rej, ok := refunddomain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, refunddomain.RejectDepositServiceStarted, rej.Code)

	assert.NoError(t, ScheduledStartGuard{}.CheckRefund(context.Background(), &paymentdomain.Payment{ScheduledStartAt: &future}, now))
	assert.NoError(t, ScheduledStartGuard{}.CheckRefund(context.Background(), &paymentdomain.Payment{}, now))
}

func TestDefaultRegistryPublishesPayableEvents(t *testing.T) {
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zaptest.NewLogger(t)
	outbox := events.NewOutbox(events.Params{DB: db, Log: log, GenID: node})
	registry := NewDefaultRegistry(Params{Log: log, Outbox: outbox})

	payment := &paymentdomain.Payment{
		ID:          node.Generate(),
		UserID:      "u-1",
		PayableType: "booking",
		PayableID:   "b-9",
		Status:      paymentdomain.StatusCompleted,
		Amount:      decimal.RequireFromString("1000"),
		Currency:    "RUB",
	}
	ctx := context.Background()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return registry.Activate(ctx, tx, payment)
	}))
	require.NoError(t, registry.Activate(ctx, db, payment))

	pending, err := outbox.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events.EventPayableActivated, pending[0].EventType)
	assert.Equal(t, "b-9", pending[0].Payload["payable_id"])
	assert.Equal(t, "1000.00", pending[0].Payload["amount"])
}
