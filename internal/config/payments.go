package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/fee"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PaymentsConfig mirrors payments.yml. Amounts are strings so that YAML
// floats never pass through float64 arithmetic.
type PaymentsConfig struct {
	Tariffs []TariffConfig `mapstructure:"tariffs"`
	Refund  RefundConfig   `mapstructure:"refund"`
}

type TariffConfig struct {
	Gateway    string                `mapstructure:"gateway"`
	Percent    string                `mapstructure:"percent"`
	Fixed      string                `mapstructure:"fixed"`
	Currencies []string              `mapstructure:"currencies"`
	Rates      map[string]RateConfig `mapstructure:"rates"`
}

type RateConfig struct {
	Percent string `mapstructure:"percent"`
	Fixed   string `mapstructure:"fixed"`
}

type RefundConfig struct {
	MaxReasonLength    int            `mapstructure:"maxReasonLength"`
	WindowDays         map[string]int `mapstructure:"windowDays"`
	DefaultWindowDays  int            `mapstructure:"defaultWindowDays"`
	DailyCountLimit    int            `mapstructure:"dailyCountLimit"`
	MonthlyAmountLimit string         `mapstructure:"monthlyAmountLimit"`
}

func DefaultPaymentsConfig() PaymentsConfig {
	return PaymentsConfig{
		Tariffs: []TariffConfig{
			{Gateway: "card", Percent: "2.8", Fixed: "0", Currencies: []string{"RUB", "USD", "EUR"}},
			{Gateway: "sbp", Percent: "0.7", Fixed: "0", Currencies: []string{"RUB"}},
			{Gateway: "wallet", Percent: "3.5", Fixed: "0", Currencies: []string{"RUB"}},
			{
				Gateway:    "checkout",
				Percent:    "2.9",
				Fixed:      "0",
				Currencies: []string{"USD", "EUR"},
				Rates: map[string]RateConfig{
					"USD": {Percent: "2.9", Fixed: "0.30"},
					"EUR": {Percent: "2.5", Fixed: "0.25"},
				},
			},
			{Gateway: "balance", Percent: "0", Fixed: "0", Currencies: []string{"RUB", "USD", "EUR"}},
		},
		Refund: RefundConfig{
			MaxReasonLength:    refunddomain.DefaultMaxReasonLength,
			WindowDays:         map[string]int{string(domain.TypeServicePayment): 14, string(domain.TypeDeposit): 7},
			DefaultWindowDays:  30,
			DailyCountLimit:    5,
			MonthlyAmountLimit: "500000",
		},
	}
}

type paymentsSnapshot struct {
	raw    PaymentsConfig
	table  fee.Table
	policy refunddomain.Policy
}

// PaymentsConfigHolder serves fee tariffs and refund policy, reloading them
// when payments.yml changes. Readers never block.
type PaymentsConfigHolder struct {
	current atomic.Value // holds paymentsSnapshot
	log     *zap.Logger
}

func NewPaymentsConfigHolder(log *zap.Logger) (*PaymentsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/payflow/config")
	v.AddConfigPath("/etc/payflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return newPaymentsConfigHolder(log, v, true)
}

// LoadPaymentsConfigFile reads a single payments file without watching it.
func LoadPaymentsConfigFile(log *zap.Logger, path string) (*PaymentsConfigHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newPaymentsConfigHolder(log, v, false)
}

func newPaymentsConfigHolder(log *zap.Logger, v *viper.Viper, watch bool) (*PaymentsConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	holder := &PaymentsConfigHolder{log: log.Named("config.payments")}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.log.Info("payments config not found, using defaults")
		snapshot, err := buildSnapshot(DefaultPaymentsConfig())
		if err != nil {
			return nil, err
		}
		holder.current.Store(snapshot)
		return holder, nil
	}

	if err := holder.reload(v); err != nil {
		return nil, err
	}

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := holder.reload(v); err != nil {
				holder.log.Warn("payments config reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.log.Info("payments config reloaded", zap.String("file", e.Name))
		})
	}
	return holder, nil
}

func (h *PaymentsConfigHolder) reload(v *viper.Viper) error {
	cfg := DefaultPaymentsConfig()
	if v.IsSet("payments.tariffs") {
		cfg.Tariffs = nil
	}
	if err := v.UnmarshalKey("payments", &cfg); err != nil {
		return err
	}
	snapshot, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}
	h.current.Store(snapshot)
	return nil
}

func (h *PaymentsConfigHolder) snapshot() paymentsSnapshot {
	return h.current.Load().(paymentsSnapshot)
}

func (h *PaymentsConfigHolder) Get() PaymentsConfig { return h.snapshot().raw }

func (h *PaymentsConfigHolder) FeeTable() fee.Table { return h.snapshot().table }

func (h *PaymentsConfigHolder) RefundPolicy() refunddomain.Policy { return h.snapshot().policy }

func buildSnapshot(cfg PaymentsConfig) (paymentsSnapshot, error) {
	if len(cfg.Tariffs) == 0 {
		return paymentsSnapshot{}, errors.New("payments.tariffs cannot be empty")
	}
	tariffs := make([]fee.Tariff, 0, len(cfg.Tariffs))
	for _, tc := range cfg.Tariffs {
		tariff, err := tc.toTariff()
		if err != nil {
			return paymentsSnapshot{}, err
		}
		tariffs = append(tariffs, tariff)
	}
	policy, err := cfg.Refund.toPolicy()
	if err != nil {
		return paymentsSnapshot{}, err
	}
	return paymentsSnapshot{raw: cfg, table: fee.NewTable(tariffs...), policy: policy}, nil
}

func (tc TariffConfig) toTariff() (fee.Tariff, error) {
	gateway := strings.ToLower(strings.TrimSpace(tc.Gateway))
	if gateway == "" {
		return fee.Tariff{}, errors.New("payments.tariffs: gateway is required")
	}
	defaultRate, err := parseRate(tc.Percent, tc.Fixed)
	if err != nil {
		return fee.Tariff{}, fmt.Errorf("payments.tariffs[%s]: %w", gateway, err)
	}
	tariff := fee.Tariff{Gateway: gateway, DefaultRate: defaultRate, Rates: map[string]fee.Rate{}}
	for _, currency := range tc.Currencies {
		if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
			tariff.SupportedCurrencies = append(tariff.SupportedCurrencies, currency)
		}
	}
	for currency, rc := range tc.Rates {
		rate, err := parseRate(rc.Percent, rc.Fixed)
		if err != nil {
			return fee.Tariff{}, fmt.Errorf("payments.tariffs[%s].rates[%s]: %w", gateway, currency, err)
		}
		tariff.Rates[strings.ToUpper(strings.TrimSpace(currency))] = rate
	}
	return tariff, nil
}

func parseRate(percent, fixed string) (fee.Rate, error) {
	p, err := parseDecimal(percent)
	if err != nil {
		return fee.Rate{}, fmt.Errorf("percent: %w", err)
	}
	f, err := parseDecimal(fixed)
	if err != nil {
		return fee.Rate{}, fmt.Errorf("fixed: %w", err)
	}
	if p.IsNegative() || f.IsNegative() || p.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fee.Rate{}, fee.ErrInvalidRate
	}
	return fee.Rate{Percent: p, Fixed: f}, nil
}

func parseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func (rc RefundConfig) toPolicy() (refunddomain.Policy, error) {
	policy := refunddomain.Policy{
		MaxReasonLength: rc.MaxReasonLength,
		Windows:         map[domain.Type]time.Duration{},
		DefaultWindow:   days(rc.DefaultWindowDays),
		DailyCountLimit: rc.DailyCountLimit,
	}
	if policy.MaxReasonLength <= 0 {
		policy.MaxReasonLength = refunddomain.DefaultMaxReasonLength
	}
	if policy.DefaultWindow <= 0 {
		return refunddomain.Policy{}, errors.New("payments.refund.defaultWindowDays must be positive")
	}
	if policy.DailyCountLimit < 0 {
		return refunddomain.Policy{}, errors.New("payments.refund.dailyCountLimit cannot be negative")
	}
	for key, n := range rc.WindowDays {
		t := domain.Type(strings.ToLower(strings.TrimSpace(key)))
		if !t.Valid() {
			return refunddomain.Policy{}, fmt.Errorf("payments.refund.windowDays: unknown payment type %q", key)
		}
		if n <= 0 {
			return refunddomain.Policy{}, fmt.Errorf("payments.refund.windowDays[%s] must be positive", key)
		}
		policy.Windows[t] = days(n)
	}
	limit, err := parseDecimal(rc.MonthlyAmountLimit)
	if err != nil || limit.IsNegative() {
		return refunddomain.Policy{}, errors.New("payments.refund.monthlyAmountLimit is invalid")
	}
	policy.MonthlyAmountLimit = limit
	return policy, nil
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
