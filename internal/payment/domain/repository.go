package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByNumber(ctx context.Context, db *gorm.DB, number string) (*Payment, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, gateway, externalID string) (*Payment, error)
	ListRefunds(ctx context.Context, db *gorm.DB, parentID snowflake.ID) ([]Payment, error)
	ListUserRefundsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) ([]Payment, error)
	ListStale(ctx context.Context, db *gorm.DB, statuses []Status, updatedBefore time.Time, limit int) ([]Payment, error)

	AppendExchange(ctx context.Context, db *gorm.DB, exchange *GatewayExchange) error
	ListExchanges(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]GatewayExchange, error)

	InsertReceipt(ctx context.Context, db *gorm.DB, receipt *WebhookReceipt) (bool, error)
	FindReceipt(ctx context.Context, db *gorm.DB, gateway, dedupKey string) (*WebhookReceipt, error)
	MarkReceiptProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	PurgeReceipts(ctx context.Context, db *gorm.DB, terminal []Status, receivedBefore time.Time) (int64, error)
}
