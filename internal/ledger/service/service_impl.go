package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/events"
	ledgerdomain "github.com/smallbiznis/payflow/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	AuditSvc   auditdomain.Service `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntry(
	ctx context.Context,
	db *gorm.DB,
	sourceType ledgerdomain.LedgerSourceType,
	sourceID snowflake.ID,
	currency string,
	occurredAt time.Time,
	lines []ledgerdomain.Line,
) error {
	sourceType = ledgerdomain.LedgerSourceType(strings.TrimSpace(string(sourceType)))
	if sourceType == "" {
		return ledgerdomain.ErrInvalidSourceType
	}
	if sourceID == 0 {
		return ledgerdomain.ErrInvalidSourceID
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return ledgerdomain.ErrInvalidCurrency
	}
	if occurredAt.IsZero() {
		return ledgerdomain.ErrInvalidOccurredAt
	}

	normalized := make([]ledgerdomain.Line, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(string(line.Account)) == "" {
			return ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return err
		}
		if line.Amount.IsNegative() {
			return ledgerdomain.ErrInvalidLineAmount
		}
		if line.Amount.IsZero() {
			continue
		}
		normalized = append(normalized, ledgerdomain.Line{
			Account:   line.Account,
			Direction: direction,
			Amount:    line.Amount.Round(2),
		})
	}
	if len(normalized) < 2 {
		return ledgerdomain.ErrInvalidEntryLines
	}
	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return err
	}

	if db == nil {
		db = s.db
	}

	inserted := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entryID := s.genID.Generate()
		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entries (
				id, source_type, source_id, currency, occurred_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_type, source_id) DO NOTHING`,
			entryID,
			string(sourceType),
			sourceID,
			currency,
			occurredAt.UTC(),
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		inserted = true

		for _, line := range normalized {
			accountID, err := s.ensureAccount(ctx, tx, line.Account)
			if err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Create(&ledgerdomain.LedgerEntryLine{
				ID:            s.genID.Generate(),
				LedgerEntryID: entryID,
				AccountID:     accountID,
				Direction:     line.Direction,
				Amount:        line.Amount,
				CreatedAt:     now,
			}).Error; err != nil {
				return err
			}
		}

		if s.outbox != nil {
			payload := map[string]any{
				"ledger_entry_id": entryID.String(),
				"source_type":     string(sourceType),
				"source_id":       sourceID.String(),
				"currency":        currency,
				"amount":          entryTotal(normalized).StringFixed(2),
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type:        events.EventLedgerEntryCreated,
				AggregateID: sourceID,
				Payload:     payload,
				DedupeKey:   "ledger_entry:" + entryID.String(),
			}); err != nil {
				return err
			}
		}

		if s.auditSvc != nil {
			entryIDStr := entryID.String()
			metadata := map[string]any{
				"source_type":     string(sourceType),
				"source_id":       sourceID.String(),
				"ledger_entry_id": entryIDStr,
			}
			if err := s.auditSvc.AuditLog(ctx, tx, "", nil, "ledger.entry_created", "ledger_entry", &entryIDStr, metadata); err != nil {
				s.log.Warn("failed to write ledger audit log", zap.Error(err))
			}
		}

		return nil
	})
	if err != nil {
		return err
	}
	if inserted && s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	}
	return nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code ledgerdomain.LedgerAccountCode) (snowflake.ID, error) {
	account := ledgerdomain.LedgerAccount{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      ledgerdomain.AccountName(code),
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&account).Error; err != nil {
		return 0, err
	}

	var existing ledgerdomain.LedgerAccount
	if err := tx.WithContext(ctx).Where("code = ?", code).Take(&existing).Error; err != nil {
		return 0, err
	}
	return existing.ID, nil
}

func entryTotal(lines []ledgerdomain.Line) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if line.Direction == ledgerdomain.LedgerEntryDirectionDebit {
			total = total.Add(line.Amount)
		}
	}
	return total
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
