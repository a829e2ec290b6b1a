package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// GatewayConfig stores the credentials of one gateway. Config holds the
// AES-GCM envelope, never plaintext.
type GatewayConfig struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	Gateway   string         `json:"gateway" gorm:"type:text;not null;uniqueIndex:ux_gateway_configs_gateway"`
	Config    datatypes.JSON `json:"-" gorm:"type:jsonb;not null"`
	IsActive  bool           `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"not null"`
}

func (GatewayConfig) TableName() string { return "gateway_configs" }
