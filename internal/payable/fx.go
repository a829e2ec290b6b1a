package payable

import (
	"github.com/smallbiznis/payflow/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Outbox *events.Outbox
	States StateLookup `optional:"true"`
}

// NewDefaultRegistry registers the outbox handler for the payable types the
// marketplace settles through payflow. Hosts embedding payflow replace or
// extend the registry with fx.Decorate.
func NewDefaultRegistry(p Params) *Registry {
	registry := NewRegistry(p.Log)
	for _, payableType := range DefaultPayableTypes {
		registry.Register(payableType, OutboxHandler{Outbox: p.Outbox})
		if p.States != nil {
			registry.RegisterGuard(payableType, NewServiceStartedGuard(p.States))
		}
	}
	return registry
}

var Module = fx.Module("payable.registry",
	fx.Provide(NewDefaultRegistry),
)
