package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	auditrepository "github.com/smallbiznis/payflow/internal/audit/repository"
	auditservice "github.com/smallbiznis/payflow/internal/audit/service"
	"github.com/smallbiznis/payflow/internal/events"
	ledgerdomain "github.com/smallbiznis/payflow/internal/ledger/domain"
	"github.com/smallbiznis/payflow/internal/ledger/service"
	"github.com/smallbiznis/payflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newLedger(t *testing.T) (ledgerdomain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	log := zaptest.NewLogger(t)
	node := testutil.NewNode(t)

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepository.Provide()})
	outbox := events.NewOutbox(events.Params{DB: db, Log: log, GenID: node})
	return service.NewService(service.Params{DB: db, Log: log, GenID: node, AuditSvc: audit, Outbox: outbox}), db
}

func TestCreateEntryPostsBalancedLinesOnce(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()
	sourceID := testutil.NewNode(t).Generate()

	lines := []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeCash, decimal.RequireFromString("1028.00")),
		ledgerdomain.Credit(ledgerdomain.AccountCodeAccountsReceivable, decimal.RequireFromString("1000.00")),
		ledgerdomain.Credit(ledgerdomain.AccountCodeGatewayFeesDue, decimal.RequireFromString("28.00")),
	}
	require.NoError(t, svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePayment, sourceID, "rub", time.Now(), lines))
	require.NoError(t, svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePayment, sourceID, "RUB", time.Now(), lines))

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, "RUB", entries[0].Currency)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntryLine{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
	require.NoError(t, db.Model(&ledgerdomain.LedgerAccount{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
	require.NoError(t, db.Model(&events.OutboxEvent{}).Where("event_type = ?", events.EventLedgerEntryCreated).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).Where("action = ?", "ledger.entry_created").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateEntrySkipsZeroLines(t *testing.T) {
	svc, db := newLedger(t)
	sourceID := testutil.NewNode(t).Generate()

	err := svc.CreateEntry(context.Background(), nil, ledgerdomain.SourceTypePayment, sourceID, "RUB", time.Now(), []ledgerdomain.Line{
		ledgerdomain.Debit(ledgerdomain.AccountCodeCash, decimal.NewFromInt(500)),
		ledgerdomain.Credit(ledgerdomain.AccountCodeAccountsReceivable, decimal.NewFromInt(500)),
		ledgerdomain.Credit(ledgerdomain.AccountCodeGatewayFeesDue, decimal.Zero),
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntryLine{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestCreateEntryRejectsInvalidInput(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	id := testutil.NewNode(t).Generate()
	ten := decimal.NewFromInt(10)

	cases := []struct {
		name  string
		src   ledgerdomain.LedgerSourceType
		lines []ledgerdomain.Line
		want  error
	}{
		{
			name: "unbalanced",
			src:  ledgerdomain.SourceTypeRefund,
			lines: []ledgerdomain.Line{
				ledgerdomain.Debit(ledgerdomain.AccountCodeRefundLiab, ten),
				ledgerdomain.Credit(ledgerdomain.AccountCodeCash, decimal.NewFromInt(9)),
			},
			want: ledgerdomain.ErrUnbalancedEntry,
		},
		{
			name:  "single line",
			src:   ledgerdomain.SourceTypeRefund,
			lines: []ledgerdomain.Line{ledgerdomain.Debit(ledgerdomain.AccountCodeCash, ten)},
			want:  ledgerdomain.ErrInvalidEntryLines,
		},
		{
			name: "negative",
			src:  ledgerdomain.SourceTypeRefund,
			lines: []ledgerdomain.Line{
				ledgerdomain.Debit(ledgerdomain.AccountCodeCash, ten.Neg()),
				ledgerdomain.Credit(ledgerdomain.AccountCodeCash, ten.Neg()),
			},
			want: ledgerdomain.ErrInvalidLineAmount,
		},
		{
			name:  "missing source type",
			lines: []ledgerdomain.Line{ledgerdomain.Debit(ledgerdomain.AccountCodeCash, ten), ledgerdomain.Credit(ledgerdomain.AccountCodeRefundLiab, ten)},
			want:  ledgerdomain.ErrInvalidSourceType,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.CreateEntry(ctx, nil, tc.src, id, "RUB", time.Now(), tc.lines)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
