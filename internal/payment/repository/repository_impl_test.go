package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newPayment(seq int64, status domain.Status, updatedAt time.Time) *domain.Payment {
	return &domain.Payment{
		Number:      "PAY-TEST-" + time.Unix(seq, 0).UTC().Format("150405"),
		UserID:      "u-1",
		Method:      domain.MethodCard,
		Type:        domain.TypeServicePayment,
		Gateway:     "card",
		Amount:      decimal.RequireFromString("100"),
		Fee:         decimal.RequireFromString("2.80"),
		TotalAmount: decimal.RequireFromString("102.80"),
		Currency:    "RUB",
		Status:      status,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
}

func TestFindForUpdateAndExternalLookup(t *testing.T) {
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	r := Provide()
	ctx := context.Background()

	payment := newPayment(1, domain.StatusPending, time.Now().UTC())
	payment.ID = node.Generate()
	require.NoError(t, r.Insert(ctx, db, payment))
	require.NoError(t, payment.AssignExternalID("ext-1"))
	require.NoError(t, r.Update(ctx, db, payment))

	err := db.Transaction(func(tx *gorm.DB) error {
		locked, err := r.FindByIDForUpdate(ctx, tx, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, "ext-1", locked.External())
		assert.True(t, locked.TotalAmount.Equal(decimal.RequireFromString("102.80")))
		return nil
	})
	require.NoError(t, err)

	found, err := r.FindByExternalID(ctx, db, "card", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, found.ID)

	_, err = r.FindByID(ctx, db, node.Generate())
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	_, err = r.FindByExternalID(ctx, db, "sbp", "ext-1")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestReceiptsDeduplicateAndPurge(t *testing.T) {
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	r := Provide()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	done := newPayment(1, domain.StatusCompleted, old)
	done.ID = node.Generate()
	open := newPayment(2, domain.StatusProcessing, old)
	open.ID = node.Generate()
	require.NoError(t, r.Insert(ctx, db, done))
	require.NoError(t, r.Insert(ctx, db, open))

	receipt := func(paymentID snowflake.ID, key string) *domain.WebhookReceipt {
		return &domain.WebhookReceipt{
			ID:         node.Generate(),
			PaymentID:  paymentID,
			Gateway:    "card",
			DedupKey:   key,
			Outcome:    domain.OutcomeSucceeded,
			ReceivedAt: old,
		}
	}

	first := receipt(done.ID, "ext-1:succeeded")
	inserted, err := r.InsertReceipt(ctx, db, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.InsertReceipt(ctx, db, receipt(done.ID, "ext-1:succeeded"))
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = r.InsertReceipt(ctx, db, receipt(open.ID, "ext-2:succeeded"))
	require.NoError(t, err)

	require.NoError(t, r.MarkReceiptProcessed(ctx, db, first.ID, time.Now().UTC()))
	found, err := r.FindReceipt(ctx, db, "card", "ext-1:succeeded")
	require.NoError(t, err)
	require.NotNil(t, found.ProcessedAt)

	purged, err := r.PurgeReceipts(ctx, db, []domain.Status{domain.StatusCompleted, domain.StatusFailed}, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	found, err = r.FindReceipt(ctx, db, "card", "ext-2:succeeded")
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestListStaleOrdersOldestFirst(t *testing.T) {
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	r := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	older := newPayment(1, domain.StatusProcessing, now.Add(-2*time.Hour))
	older.ID = node.Generate()
	newer := newPayment(2, domain.StatusPending, now.Add(-time.Hour))
	newer.ID = node.Generate()
	fresh := newPayment(3, domain.StatusPending, now)
	fresh.ID = node.Generate()
	for _, p := range []*domain.Payment{older, newer, fresh} {
		require.NoError(t, r.Insert(ctx, db, p))
	}

	stale, err := r.ListStale(ctx, db, []domain.Status{domain.StatusPending, domain.StatusProcessing}, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, older.ID, stale[0].ID)
	assert.Equal(t, newer.ID, stale[1].ID)
}
