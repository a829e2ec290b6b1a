package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	List(ctx context.Context, db *gorm.DB) ([]GatewayConfig, error)
	Find(ctx context.Context, db *gorm.DB, gateway string) (*GatewayConfig, error)
	Upsert(ctx context.Context, db *gorm.DB, config *GatewayConfig) error
	UpdateStatus(ctx context.Context, db *gorm.DB, gateway string, isActive bool, updatedAt time.Time) (bool, error)
}

type Service interface {
	List(ctx context.Context) ([]Summary, error)
	Upsert(ctx context.Context, req UpsertRequest) (*Summary, error)
	SetActive(ctx context.Context, gateway string, isActive bool) (*Summary, error)
	// Load returns the decrypted settings of an active gateway.
	Load(ctx context.Context, gateway string) (map[string]any, error)
}

// Catalog reports which gateways the binary can drive.
type Catalog interface {
	GatewayExists(name string) bool
}

type Summary struct {
	Gateway    string    `json:"gateway"`
	IsActive   bool      `json:"is_active"`
	Configured bool      `json:"configured"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type UpsertRequest struct {
	Gateway string         `json:"gateway"`
	Config  map[string]any `json:"config"`
}

var (
	ErrInvalidGateway       = errors.New("invalid_gateway")
	ErrInvalidConfig        = errors.New("invalid_config")
	ErrNotFound             = errors.New("not_found")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrDecryptFailed        = errors.New("gateway_config_decrypt_failed")
	ErrGatewayConfigMissing = errors.New("gateway_config_missing")
	ErrGatewayInactive      = errors.New("gateway_inactive")
)
