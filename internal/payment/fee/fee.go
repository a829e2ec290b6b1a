package fee

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedCurrency = errors.New("unsupported_currency")
	ErrTariffNotFound      = errors.New("tariff_not_found")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidRate         = errors.New("invalid_rate")
)

var (
	cent    = decimal.New(1, -2)
	hundred = decimal.NewFromInt(100)
)

// Rate is a commission expressed as a percentage plus a fixed component.
type Rate struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// Tariff holds the commission schedule of one gateway.
type Tariff struct {
	Gateway             string
	DefaultRate         Rate
	Rates               map[string]Rate
	SupportedCurrencies []string
}

func (t Tariff) rateFor(currency string) (Rate, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Rate{}, ErrUnsupportedCurrency
	}
	if rate, ok := t.Rates[currency]; ok {
		return rate, nil
	}
	for _, supported := range t.SupportedCurrencies {
		if strings.EqualFold(supported, currency) {
			return t.DefaultRate, nil
		}
	}
	return Rate{}, ErrUnsupportedCurrency
}

// CalculateFee returns amount*percent/100 + fixed rounded half-up to cents.
func CalculateFee(amount decimal.Decimal, currency string, tariff Tariff) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	rate, err := tariff.rateFor(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return feeFor(amount, rate), nil
}

// NetAmount is what the merchant keeps from a gross charge.
func NetAmount(gross decimal.Decimal, currency string, tariff Tariff) (decimal.Decimal, error) {
	fee, err := CalculateFee(gross, currency, tariff)
	if err != nil {
		return decimal.Zero, err
	}
	return gross.Sub(fee), nil
}

// GrossForDesiredNet returns the charge that nets the requested amount after fees.
// The closed form can miss by a cent after rounding, so the neighbours are probed.
func GrossForDesiredNet(net decimal.Decimal, currency string, tariff Tariff) (decimal.Decimal, error) {
	if net.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	rate, err := tariff.rateFor(currency)
	if err != nil {
		return decimal.Zero, err
	}
	share := decimal.NewFromInt(1).Sub(rate.Percent.Div(hundred))
	if !share.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}

	gross := net.Add(rate.Fixed).DivRound(share, 4).Round(2)
	for _, candidate := range []decimal.Decimal{gross, gross.Sub(cent), gross.Add(cent)} {
		if candidate.Sub(feeFor(candidate, rate)).Equal(net) {
			return candidate, nil
		}
	}
	return gross, nil
}

func feeFor(amount decimal.Decimal, rate Rate) decimal.Decimal {
	return amount.Mul(rate.Percent).Div(hundred).Add(rate.Fixed).Round(2)
}

// Table is an immutable set of tariffs keyed by gateway. Replace it wholesale
// through a TableHolder to change tariffs at runtime.
type Table struct {
	tariffs map[string]Tariff
}

func NewTable(tariffs ...Tariff) Table {
	m := make(map[string]Tariff, len(tariffs))
	for _, t := range tariffs {
		m[strings.ToLower(strings.TrimSpace(t.Gateway))] = t
	}
	return Table{tariffs: m}
}

func (t Table) Tariff(gateway string) (Tariff, error) {
	tariff, ok := t.tariffs[strings.ToLower(strings.TrimSpace(gateway))]
	if !ok {
		return Tariff{}, ErrTariffNotFound
	}
	return tariff, nil
}

// Source is anything able to hand out the current tariff table.
type Source interface {
	FeeTable() Table
}

// TableHolder publishes a Table for lock-free reads.
type TableHolder struct {
	v atomic.Value
}

func NewTableHolder(t Table) *TableHolder {
	h := &TableHolder{}
	h.v.Store(t)
	return h
}

func (h *TableHolder) Store(t Table) { h.v.Store(t) }

func (h *TableHolder) FeeTable() Table {
	t, _ := h.v.Load().(Table)
	return t
}
