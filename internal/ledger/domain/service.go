package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)

type Service interface {
	// CreateEntry posts a balanced entry inside db. A second entry for the
	// same source is ignored.
	CreateEntry(ctx context.Context, db *gorm.DB, sourceType LedgerSourceType, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []Line) error
}

// ValidateBalanced checks that debits equal credits.
func ValidateBalanced(lines []Line) error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit = debit.Add(line.Amount)
		case LedgerEntryDirectionCredit:
			credit = credit.Add(line.Amount)
		default:
			return ErrInvalidLineDirection
		}
	}
	if !debit.Equal(credit) {
		return ErrUnbalancedEntry
	}
	return nil
}
