package service

import (
	"context"
	"testing"

	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	auditrepo "github.com/smallbiznis/payflow/internal/audit/repository"
	auditservice "github.com/smallbiznis/payflow/internal/audit/service"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	"github.com/smallbiznis/payflow/internal/gatewayconfig/repository"
	"github.com/smallbiznis/payflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type catalog map[string]bool

func (c catalog) GatewayExists(name string) bool { return c[name] }

func newService(t *testing.T, secret string) (domain.Service, auditdomain.Service) {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zaptest.NewLogger(t)
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepo.Provide()})

	svc, err := New(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     repository.Provide(),
		Cfg:      config.Config{Gateway: config.GatewayConfig{ConfigSecret: secret}},
		Catalog:  catalog{"card": true, "sbp": true},
		AuditSvc: audit,
	})
	require.NoError(t, err)
	return svc, audit
}

func TestUpsertEncryptsAndLoadDecrypts(t *testing.T) {
	svc, audit := newService(t, "operator-secret")
	ctx := context.Background()

	summary, err := svc.Upsert(ctx, domain.UpsertRequest{
		Gateway: " Card ",
		Config: map[string]any{
			"api_url":    "https://acquirer.example",
			"secret_key": " sk_live_1234567890 ",
			"empty":      "  ",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "card", summary.Gateway)
	assert.True(t, summary.IsActive)
	assert.True(t, summary.Configured)

	s := svc.(*Service)
	row, err := s.repo.Find(ctx, s.db, "card")
	require.NoError(t, err)
	assert.NotContains(t, string(row.Config), "sk_live_1234567890")

	cfg, err := svc.Load(ctx, "card")
	require.NoError(t, err)
	assert.Equal(t, "sk_live_1234567890", cfg["secret_key"])
	assert.NotContains(t, cfg, "empty")

	logs, err := audit.List(ctx, auditdomain.ListFilter{Action: "gateway_config.create", TargetID: "card"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	masked := logs[0].Metadata["masked_fields"].(map[string]any)
	assert.Equal(t, "sk_live_****7890", masked["secret_key"])

	_, err = svc.Upsert(ctx, domain.UpsertRequest{Gateway: "card", Config: map[string]any{"secret_key": "sk_live_rotated99"}})
	require.NoError(t, err)
	logs, err = audit.List(ctx, auditdomain.ListFilter{Action: "gateway_config.rotate_secret"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestUpsertRejectsUnknownGatewayAndEmptyConfig(t *testing.T) {
	svc, _ := newService(t, "operator-secret")
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{Gateway: "paypal", Config: map[string]any{"k": "v"}})
	require.ErrorIs(t, err, domain.ErrInvalidGateway)

	_, err = svc.Upsert(ctx, domain.UpsertRequest{Gateway: "card", Config: map[string]any{"k": " "}})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoadMissingAndInactive(t *testing.T) {
	svc, _ := newService(t, "operator-secret")
	ctx := context.Background()

	_, err := svc.Load(ctx, "sbp")
	require.ErrorIs(t, err, domain.ErrGatewayConfigMissing)

	_, err = svc.SetActive(ctx, "sbp", false)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Upsert(ctx, domain.UpsertRequest{Gateway: "sbp", Config: map[string]any{"merchant_id": "m-1"}})
	require.NoError(t, err)
	_, err = svc.SetActive(ctx, "sbp", false)
	require.NoError(t, err)

	_, err = svc.Load(ctx, "sbp")
	require.ErrorIs(t, err, domain.ErrGatewayInactive)
}

func TestMissingSecretRefusesToStore(t *testing.T) {
	svc, _ := newService(t, "")
	_, err := svc.Upsert(context.Background(), domain.UpsertRequest{Gateway: "card", Config: map[string]any{"k": "v"}})
	require.ErrorIs(t, err, domain.ErrEncryptionKeyMissing)
}
