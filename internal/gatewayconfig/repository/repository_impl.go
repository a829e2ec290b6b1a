package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.GatewayConfig, error) {
	var configs []domain.GatewayConfig
	err := db.WithContext(ctx).
		Order("gateway ASC").
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, gateway string) (*domain.GatewayConfig, error) {
	var items []domain.GatewayConfig
	err := db.WithContext(ctx).
		Where("gateway = ?", gateway).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, config *domain.GatewayConfig) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway"}},
			DoUpdates: clause.AssignmentColumns([]string{"config", "is_active", "updated_at"}),
		}).
		Create(config).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, gateway string, isActive bool, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE gateway_configs
		 SET is_active = ?, updated_at = ?
		 WHERE gateway = ?`,
		isActive,
		updatedAt,
		gateway,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
