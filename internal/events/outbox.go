package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	EventPaymentCreated       = "payment.created"
	EventPaymentStatusChanged = "payment.status_changed"
	EventRefundCreated        = "refund.created"
	EventLedgerEntryCreated   = "ledger.entry_created"
	EventGatewayConfigChanged = "gateway_config.changed"
	EventPayableActivated     = "payable.activated"
	EventPayableDeactivated   = "payable.deactivated"
)

var (
	ErrInvalidEvent = errors.New("invalid_event")
)

// Event is a domain fact written to the outbox in the same transaction as the
// state change that produced it.
type Event struct {
	Type        string
	AggregateID snowflake.ID
	Payload     map[string]any
	DedupeKey   string
}

type OutboxEvent struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	EventType    string            `gorm:"type:text;not null;index"`
	AggregateID  snowflake.ID      `gorm:"not null;index"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey    string            `gorm:"type:text;not null;uniqueIndex:ux_outbox_events_dedupe"`
	Dispatched   bool              `gorm:"not null;default:false"`
	DispatchedAt *time.Time
	CreatedAt    time.Time `gorm:"not null"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
	}
}

// PublishTx records the event inside tx. A repeated dedupe key is a no-op.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	event.Type = strings.TrimSpace(event.Type)
	event.DedupeKey = strings.TrimSpace(event.DedupeKey)
	if event.Type == "" || event.DedupeKey == "" {
		return ErrInvalidEvent
	}
	if tx == nil {
		tx = o.db
	}

	row := OutboxEvent{
		ID:          o.genID.Generate(),
		EventType:   event.Type,
		AggregateID: event.AggregateID,
		Payload:     datatypes.JSONMap(event.Payload),
		DedupeKey:   event.DedupeKey,
		CreatedAt:   time.Now().UTC(),
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		o.log.Debug("outbox event deduplicated",
			zap.String("event_type", event.Type),
			zap.String("dedupe_key", event.DedupeKey),
		)
	}
	return nil
}

func (o *Outbox) ListPending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []OutboxEvent
	err := o.db.WithContext(ctx).
		Where("dispatched = ?", false).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (o *Outbox) MarkDispatched(ctx context.Context, id snowflake.ID) error {
	now := time.Now().UTC()
	return o.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND dispatched = ?", id, false).
		Updates(map[string]any{"dispatched": true, "dispatched_at": now}).Error
}

var Module = fx.Module("events.outbox",
	fx.Provide(NewOutbox),
	fx.Provide(NewLogDispatcher),
)
