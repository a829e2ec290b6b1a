package balance_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/balance"
	"github.com/smallbiznis/payflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditDebitAreIdempotentPerKey(t *testing.T) {
	db := testutil.NewDB(t)
	store := balance.NewGormStore(testutil.NewNode(t))
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, db, "u-1", decimal.RequireFromString("100.50"), "rub", "topup-1"))
	require.NoError(t, store.Credit(ctx, db, "u-1", decimal.RequireFromString("100.50"), "RUB", "topup-1"))
	require.NoError(t, store.Debit(ctx, db, "u-1", decimal.RequireFromString("40"), "RUB", "pay-1"))
	require.NoError(t, store.Debit(ctx, db, "u-1", decimal.RequireFromString("40"), "RUB", "pay-1"))

	got, err := store.Balance(ctx, db, "u-1", "RUB")
	require.NoError(t, err)
	assert.Equal(t, "60.50", got.StringFixed(2))

	applied, err := store.Applied(ctx, db, "pay-1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestDebitRejectsOverdraftWithoutRecordingMovement(t *testing.T) {
	db := testutil.NewDB(t)
	store := balance.NewGormStore(testutil.NewNode(t))
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, db, "u-2", decimal.RequireFromString("10"), "RUB", "topup-2"))
	err := store.Debit(ctx, db, "u-2", decimal.RequireFromString("10.01"), "RUB", "pay-2")
	assert.ErrorIs(t, err, balance.ErrInsufficientFunds)

	applied, err := store.Applied(ctx, db, "pay-2")
	require.NoError(t, err)
	assert.False(t, applied)

	assert.ErrorIs(t, store.Credit(ctx, db, "u-2", decimal.Zero, "RUB", "zero"), balance.ErrInvalidAmount)
}
