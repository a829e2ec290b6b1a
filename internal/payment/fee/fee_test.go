package fee

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardTariff() Tariff {
	return Tariff{
		Gateway:             "card",
		DefaultRate:         Rate{Percent: decimal.RequireFromString("2.8")},
		SupportedCurrencies: []string{"RUB", "USD"},
		Rates: map[string]Rate{
			"EUR": {Percent: decimal.RequireFromString("3.5"), Fixed: decimal.RequireFromString("0.30")},
		},
	}
}

func TestCalculateFee(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     string
		wantErr  error
	}{
		{name: "card rub", amount: "1000", currency: "RUB", want: "28"},
		{name: "lower case currency", amount: "1000", currency: "rub", want: "28"},
		{name: "half up", amount: "3.75", currency: "USD", want: "0.11"},
		{name: "currency override with fixed part", amount: "100", currency: "EUR", want: "3.8"},
		{name: "zero amount", amount: "0", currency: "RUB", want: "0"},
		{name: "unsupported currency", amount: "100", currency: "JPY", wantErr: ErrUnsupportedCurrency},
		{name: "negative amount", amount: "-1", currency: "RUB", wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateFee(decimal.RequireFromString(tt.amount), tt.currency, cardTariff())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "fee = %s, want %s", got, tt.want)
		})
	}
}

func TestCardFeeOnThousandRoubles(t *testing.T) {
	amount := decimal.NewFromInt(1000)
	fee, err := CalculateFee(amount, "RUB", cardTariff())
	require.NoError(t, err)

	assert.Equal(t, "28.00", fee.StringFixed(2))
	assert.Equal(t, "1028.00", amount.Add(fee).StringFixed(2))
}

func TestNetAmount(t *testing.T) {
	net, err := NetAmount(decimal.NewFromInt(1000), "RUB", cardTariff())
	require.NoError(t, err)
	assert.Equal(t, "972.00", net.StringFixed(2))
}

func TestGrossForDesiredNetRoundTrip(t *testing.T) {
	tariffs := []Tariff{
		cardTariff(),
		{Gateway: "sbp", DefaultRate: Rate{Percent: decimal.RequireFromString("0.7")}, SupportedCurrencies: []string{"RUB"}},
		{Gateway: "wallet", DefaultRate: Rate{Percent: decimal.RequireFromString("3.5"), Fixed: decimal.RequireFromString("0.15")}, SupportedCurrencies: []string{"RUB"}},
	}
	nets := []string{"0.01", "1", "9.99", "100", "972", "1234.56", "99999.99"}

	for _, tariff := range tariffs {
		for _, raw := range nets {
			net := decimal.RequireFromString(raw)
			gross, err := GrossForDesiredNet(net, "RUB", tariff)
			require.NoError(t, err)

			back, err := NetAmount(gross, "RUB", tariff)
			require.NoError(t, err)
			diff := back.Sub(net).Abs()
			assert.True(t, diff.LessThanOrEqual(decimal.RequireFromString("0.01")),
				"%s: net %s -> gross %s -> net %s", tariff.Gateway, net, gross, back)
		}
	}
}

func TestGrossForDesiredNetRejectsFullRate(t *testing.T) {
	tariff := Tariff{Gateway: "x", DefaultRate: Rate{Percent: decimal.NewFromInt(100)}, SupportedCurrencies: []string{"RUB"}}
	_, err := GrossForDesiredNet(decimal.NewFromInt(10), "RUB", tariff)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestTableHolderConcurrentReads(t *testing.T) {
	holder := NewTableHolder(NewTable(cardTariff()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tariff, err := holder.FeeTable().Tariff("CARD")
				if err != nil {
					t.Errorf("tariff lookup: %v", err)
					return
				}
				_, _ = CalculateFee(decimal.NewFromInt(100), "RUB", tariff)
			}
		}()
	}
	holder.Store(NewTable(cardTariff()))
	wg.Wait()

	_, err := holder.FeeTable().Tariff("unknown")
	assert.ErrorIs(t, err, ErrTariffNotFound)
}
