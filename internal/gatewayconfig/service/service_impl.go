package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	auditmasking "github.com/smallbiznis/payflow/internal/audit/masking"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const keyInfo = "payflow/gateway-config/v1"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Cfg      config.Config
	Catalog  domain.Catalog      `optional:"true"`
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	genID    *snowflake.Node
	encKey   []byte
	catalog  domain.Catalog
	auditSvc auditdomain.Service
}

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func New(p Params) (domain.Service, error) {
	key, err := deriveKey(p.Cfg.Gateway.ConfigSecret)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("gatewayconfig.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		encKey:   key,
		catalog:  p.Catalog,
		auditSvc: p.AuditSvc,
	}, nil
}

// deriveKey stretches the operator secret into an AES-256 key. Without a
// secret Upsert and Load fail with ErrEncryptionKeyMissing.
func deriveKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Summary, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	resp := make([]domain.Summary, 0, len(items))
	for _, item := range items {
		resp = append(resp, summaryOf(item))
	}
	return resp, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.Summary, error) {
	gateway, err := s.normalizeGateway(req.Gateway)
	if err != nil {
		return nil, err
	}

	cfg := normalizeConfig(req.Config)
	if len(cfg) == 0 {
		return nil, domain.ErrInvalidConfig
	}

	encrypted, err := s.encryptConfig(cfg)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.Find(ctx, s.db, gateway)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := domain.GatewayConfig{
		ID:        s.genID.Generate(),
		Gateway:   gateway,
		Config:    encrypted,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		row.ID = existing.ID
		row.IsActive = existing.IsActive
		row.CreatedAt = existing.CreatedAt
	}

	if err := s.repo.Upsert(ctx, s.db, &row); err != nil {
		return nil, err
	}

	action := "gateway_config.rotate_secret"
	if existing == nil {
		action = "gateway_config.create"
	}
	s.audit(ctx, action, gateway, map[string]any{
		"gateway":       gateway,
		"masked_fields": auditmasking.MaskConfig(cfg),
	})
	s.log.Info("gateway config stored", zap.String("gateway", gateway), zap.String("action", action))

	resp := summaryOf(row)
	return &resp, nil
}

func (s *Service) SetActive(ctx context.Context, gateway string, isActive bool) (*domain.Summary, error) {
	gateway, err := s.normalizeGateway(gateway)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := s.repo.UpdateStatus(ctx, s.db, gateway, isActive, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrNotFound
	}

	action := "gateway_config.disable"
	if isActive {
		action = "gateway_config.enable"
	}
	s.audit(ctx, action, gateway, map[string]any{
		"gateway":   gateway,
		"is_active": isActive,
	})

	return &domain.Summary{Gateway: gateway, IsActive: isActive, Configured: true, UpdatedAt: now}, nil
}

func (s *Service) Load(ctx context.Context, gateway string) (map[string]any, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	row, err := s.repo.Find(ctx, s.db, gateway)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayConfigMissing, gateway)
	}
	if !row.IsActive {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayInactive, gateway)
	}
	cfg, err := s.decryptConfig(row.Config)
	if err != nil {
		s.log.Error("gateway config unreadable", zap.String("gateway", gateway), zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

func (s *Service) normalizeGateway(gateway string) (string, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if gateway == "" {
		return "", domain.ErrInvalidGateway
	}
	if s.catalog != nil && !s.catalog.GatewayExists(gateway) {
		return "", domain.ErrInvalidGateway
	}
	return gateway, nil
}

func (s *Service) audit(ctx context.Context, action, gateway string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	targetID := gateway
	if err := s.auditSvc.AuditLog(ctx, nil, string(auditdomain.ActorTypeOperator), nil, action, "gateway_config", &targetID, metadata); err != nil {
		s.log.Warn("failed to write gateway config audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) gcm() (cipher.AEAD, error) {
	if len(s.encKey) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Service) encryptConfig(cfg map[string]any) (datatypes.JSON, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, domain.ErrInvalidConfig
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, payload, nil)
	out, err := json.Marshal(encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func (s *Service) decryptConfig(raw datatypes.JSON) (map[string]any, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	var envelope encryptedPayload
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Version != 1 {
		return nil, domain.ErrDecryptFailed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(envelope.Nonce)
	if err != nil || len(nonce) != gcm.NonceSize() {
		return nil, domain.ErrDecryptFailed
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}

	var cfg map[string]any
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, domain.ErrDecryptFailed
	}
	return cfg, nil
}

func summaryOf(row domain.GatewayConfig) domain.Summary {
	return domain.Summary{
		Gateway:    row.Gateway,
		IsActive:   row.IsActive,
		Configured: len(row.Config) > 0,
		UpdatedAt:  row.UpdatedAt,
	}
}

func normalizeConfig(cfg map[string]any) map[string]any {
	if len(cfg) == 0 {
		return nil
	}

	normalized := make(map[string]any, len(cfg))
	for key, value := range cfg {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" || value == nil {
			continue
		}

		switch cast := value.(type) {
		case string:
			trimmedValue := strings.TrimSpace(cast)
			if trimmedValue == "" {
				continue
			}
			normalized[trimmedKey] = trimmedValue
		default:
			normalized[trimmedKey] = cast
		}
	}

	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
