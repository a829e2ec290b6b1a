package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/fee"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const paymentsYAML = `
payments:
  tariffs:
    - gateway: Card
      percent: 2.8
      fixed: 0
      currencies: [rub]
    - gateway: checkout
      percent: "2.9"
      currencies: [USD]
      rates:
        USD:
          percent: "2.9"
          fixed: "0.30"
  refund:
    maxReasonLength: 200
    windowDays:
      deposit: 3
    defaultWindowDays: 10
    dailyCountLimit: 2
    monthlyAmountLimit: "1000.50"
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payments.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPaymentsConfigFile(t *testing.T) {
	holder, err := LoadPaymentsConfigFile(zaptest.NewLogger(t), writeFile(t, paymentsYAML))
	require.NoError(t, err)

	tariff, err := holder.FeeTable().Tariff("card")
	require.NoError(t, err)
	got, err := fee.CalculateFee(decimal.NewFromInt(1000), "RUB", tariff)
	require.NoError(t, err)
	assert.Equal(t, "28", got.String())

	checkout, err := holder.FeeTable().Tariff("checkout")
	require.NoError(t, err)
	got, err = fee.CalculateFee(decimal.NewFromInt(10), "USD", checkout)
	require.NoError(t, err)
	assert.Equal(t, "0.59", got.String())

	_, err = holder.FeeTable().Tariff("sbp")
	assert.ErrorIs(t, err, fee.ErrTariffNotFound)

	policy := holder.RefundPolicy()
	assert.Equal(t, 200, policy.MaxReasonLength)
	assert.Equal(t, 2, policy.DailyCountLimit)
	assert.Equal(t, "1000.5", policy.MonthlyAmountLimit.String())
	assert.Equal(t, 3*24*time.Hour, policy.WindowFor(domain.TypeDeposit))
	assert.Equal(t, 14*24*time.Hour, policy.WindowFor(domain.TypeServicePayment))
	assert.Equal(t, 10*24*time.Hour, policy.WindowFor(domain.TypeTopUp))
}

func TestLoadPaymentsConfigRejectsBadRate(t *testing.T) {
	_, err := LoadPaymentsConfigFile(zaptest.NewLogger(t), writeFile(t, `
payments:
  tariffs:
    - gateway: card
      percent: 100
`))
	assert.ErrorIs(t, err, fee.ErrInvalidRate)
}

func TestReloadKeepsPreviousSnapshotOnInvalidConfig(t *testing.T) {
	path := writeFile(t, paymentsYAML)
	holder, err := LoadPaymentsConfigFile(zaptest.NewLogger(t), path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
payments:
  refund:
    windowDays:
      lunch: 3
`), 0o600))
	v := newFileViper(t, path)
	assert.Error(t, holder.reload(v))

	assert.Equal(t, 200, holder.RefundPolicy().MaxReasonLength)
}

func TestDefaultPaymentsConfigBuilds(t *testing.T) {
	snapshot, err := buildSnapshot(DefaultPaymentsConfig())
	require.NoError(t, err)

	tariff, err := snapshot.table.Tariff("card")
	require.NoError(t, err)
	got, err := fee.CalculateFee(decimal.NewFromInt(1000), "RUB", tariff)
	require.NoError(t, err)
	assert.Equal(t, "28", got.String())
	assert.Equal(t, 7*24*time.Hour, snapshot.policy.WindowFor(domain.TypeDeposit))
}

func newFileViper(t *testing.T, path string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	return v
}
