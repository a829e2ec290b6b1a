package reconcile

import (
	"context"

	paymentservice "github.com/smallbiznis/payflow/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(ProvideConfig),
	fx.Provide(func(svc *paymentservice.Service) StatusChecker { return svc }),
	fx.Provide(New),
)

// Background runs the reconciler next to the HTTP server until shutdown.
var Background = fx.Invoke(Start)

func Start(lc fx.Lifecycle, r *Reconciler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go r.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
