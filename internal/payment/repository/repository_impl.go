package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

// FindByIDForUpdate takes the per-payment row lock. It must run inside a
// transaction.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE id = ? LIMIT 1 FOR UPDATE`,
		id,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

func (r *repo) FindByNumber(ctx context.Context, db *gorm.DB, number string) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Where("number = ?", number).Limit(1).Find(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, gateway, externalID string) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).
		Where("gateway = ? AND external_id = ?", gateway, externalID).
		Order("id asc").
		Limit(1).
		Find(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

func (r *repo) ListRefunds(ctx context.Context, db *gorm.DB, parentID snowflake.ID) ([]domain.Payment, error) {
	var refunds []domain.Payment
	err := db.WithContext(ctx).
		Where("parent_payment_id = ? AND type = ?", parentID, domain.TypeRefund).
		Order("id asc").
		Find(&refunds).Error
	return refunds, err
}

func (r *repo) ListUserRefundsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) ([]domain.Payment, error) {
	var refunds []domain.Payment
	err := db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND created_at >= ?", userID, domain.TypeRefund, since).
		Order("id asc").
		Find(&refunds).Error
	return refunds, err
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, statuses []domain.Status, updatedBefore time.Time, limit int) ([]domain.Payment, error) {
	var payments []domain.Payment
	stmt := db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, updatedBefore).
		Order("updated_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&payments).Error
	return payments, err
}

func (r *repo) AppendExchange(ctx context.Context, db *gorm.DB, exchange *domain.GatewayExchange) error {
	return db.WithContext(ctx).Create(exchange).Error
}

func (r *repo) ListExchanges(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.GatewayExchange, error) {
	var exchanges []domain.GatewayExchange
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("recorded_at asc, id asc").
		Find(&exchanges).Error
	return exchanges, err
}

// InsertReceipt reports false when the (gateway, dedup_key) pair already exists.
func (r *repo) InsertReceipt(ctx context.Context, db *gorm.DB, receipt *domain.WebhookReceipt) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway"}, {Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(receipt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindReceipt(ctx context.Context, db *gorm.DB, gateway, dedupKey string) (*domain.WebhookReceipt, error) {
	var receipt domain.WebhookReceipt
	err := db.WithContext(ctx).
		Where("gateway = ? AND dedup_key = ?", gateway, dedupKey).
		Limit(1).
		Find(&receipt).Error
	if err != nil {
		return nil, err
	}
	if receipt.ID == 0 {
		return nil, nil
	}
	return &receipt, nil
}

func (r *repo) MarkReceiptProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.WebhookReceipt{}).
		Where("id = ?", id).
		Update("processed_at", at).Error
}

// PurgeReceipts drops receipts of payments that can no longer change.
func (r *repo) PurgeReceipts(ctx context.Context, db *gorm.DB, terminal []domain.Status, receivedBefore time.Time) (int64, error) {
	settled := db.Model(&domain.Payment{}).Select("id").Where("status IN ?", terminal)
	res := db.WithContext(ctx).
		Where("received_at < ? AND payment_id IN (?)", receivedBefore, settled).
		Delete(&domain.WebhookReceipt{})
	return res.RowsAffected, res.Error
}
