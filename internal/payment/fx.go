package payment

import (
	"github.com/smallbiznis/payflow/internal/balance"
	"github.com/smallbiznis/payflow/internal/config"
	gatewayconfigdomain "github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	"github.com/smallbiznis/payflow/internal/payment/adapters"
	balanceadapter "github.com/smallbiznis/payflow/internal/payment/adapters/balance"
	"github.com/smallbiznis/payflow/internal/payment/adapters/card"
	"github.com/smallbiznis/payflow/internal/payment/adapters/checkout"
	"github.com/smallbiznis/payflow/internal/payment/adapters/sbp"
	"github.com/smallbiznis/payflow/internal/payment/adapters/wallet"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
	"github.com/smallbiznis/payflow/internal/payment/fee"
	"github.com/smallbiznis/payflow/internal/payment/lifecycle"
	"github.com/smallbiznis/payflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/payflow/internal/payment/service"
	"github.com/smallbiznis/payflow/internal/payment/webhook"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(func(r *adapters.Registry) gatewayconfigdomain.Catalog { return r }),
	fx.Provide(NewResolver),
	fx.Provide(func(h *config.PaymentsConfigHolder) fee.Source { return h }),
	fx.Provide(func(h *config.PaymentsConfigHolder) refunddomain.PolicySource { return h }),
	fx.Provide(lifecycle.NewEngine),
	fx.Provide(webhook.NewService),
	fx.Provide(paymentservice.NewService),
)

// NewRegistry registers every gateway payflow can route to.
func NewRegistry(db *gorm.DB, store balance.Store) *adapters.Registry {
	return adapters.NewRegistry(
		card.NewFactory(),
		sbp.NewFactory(),
		wallet.NewFactory(),
		checkout.NewFactory(),
		balanceadapter.NewFactory(db, store),
	)
}

type ResolverParams struct {
	fx.In

	Cfg      config.Config
	Registry *adapters.Registry
	Configs  gatewayconfigdomain.Service
	Metrics  *obsmetrics.GatewayMetrics `optional:"true"`
}

func NewResolver(p ResolverParams) *adapters.Resolver {
	var observer paymentdomain.CallObserver
	if p.Metrics != nil {
		observer = p.Metrics
	}
	return adapters.NewResolver(p.Registry, p.Configs, p.Cfg.Gateway.Timeout, observer)
}
