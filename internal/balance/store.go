package balance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrInvalidAmount     = errors.New("invalid_amount")
)

// Store moves money on internal user balances. Every movement carries a key;
// replaying a key is a no-op so callers can retry freely.
type Store interface {
	Credit(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency, key string) error
	Debit(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency, key string) error
	Applied(ctx context.Context, db *gorm.DB, key string) (bool, error)
	Balance(ctx context.Context, db *gorm.DB, userID, currency string) (decimal.Decimal, error)
}

type UserBalance struct {
	UserID    string          `gorm:"primaryKey;type:text"`
	Currency  string          `gorm:"primaryKey;type:text"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

type Movement struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	UserID         string          `gorm:"type:text;not null;index"`
	Currency       string          `gorm:"type:text;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt      time.Time       `gorm:"not null"`
}

func (Movement) TableName() string { return "balance_movements" }

type GormStore struct {
	genID *snowflake.Node
}

func NewGormStore(genID *snowflake.Node) *GormStore {
	return &GormStore{genID: genID}
}

func (s *GormStore) Credit(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency, key string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.apply(ctx, db, userID, amount, currency, key)
}

func (s *GormStore) Debit(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency, key string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.apply(ctx, db, userID, amount.Neg(), currency, key)
}

func (s *GormStore) apply(ctx context.Context, db *gorm.DB, userID string, delta decimal.Decimal, currency, key string) error {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		movement := Movement{
			ID:             s.genID.Generate(),
			UserID:         userID,
			Currency:       currency,
			Amount:         delta,
			IdempotencyKey: key,
			CreatedAt:      time.Now().UTC(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&movement)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		var row UserBalance
		err := tx.Raw(`SELECT * FROM user_balances WHERE user_id = ? AND currency = ? FOR UPDATE`, userID, currency).Scan(&row).Error
		if err != nil {
			return err
		}
		if row.UserID == "" {
			row = UserBalance{UserID: userID, Currency: currency, Amount: decimal.Zero}
		}
		row.Amount = row.Amount.Add(delta)
		if row.Amount.IsNegative() {
			return ErrInsufficientFunds
		}
		row.UpdatedAt = time.Now().UTC()
		return tx.Save(&row).Error
	})
}

func (s *GormStore) Applied(ctx context.Context, db *gorm.DB, key string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Movement{}).Where("idempotency_key = ?", key).Count(&count).Error
	return count > 0, err
}

func (s *GormStore) Balance(ctx context.Context, db *gorm.DB, userID, currency string) (decimal.Decimal, error) {
	var row UserBalance
	err := db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, strings.ToUpper(strings.TrimSpace(currency))).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Amount, nil
}
