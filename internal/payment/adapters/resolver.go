package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	gatewayconfigdomain "github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	"github.com/smallbiznis/payflow/internal/payment/domain"
)

// ConfigLoader returns the decrypted settings of a gateway.
type ConfigLoader interface {
	Load(ctx context.Context, gateway string) (map[string]any, error)
}

// Resolver builds ready-to-use adapters from the registry and the stored
// gateway settings.
type Resolver struct {
	registry *Registry
	configs  ConfigLoader
	timeout  time.Duration
	observer domain.CallObserver
}

func NewResolver(registry *Registry, configs ConfigLoader, timeout time.Duration, observer domain.CallObserver) *Resolver {
	return &Resolver{registry: registry, configs: configs, timeout: timeout, observer: observer}
}

func (r *Resolver) Registry() *Registry { return r.registry }

// Resolve fails with an integrity error when the gateway is not registered or
// its stored settings are rejected by the factory. Gateways without stored
// settings get an empty config and the factory decides whether that is enough.
func (r *Resolver) Resolve(ctx context.Context, gateway string) (domain.GatewayAdapter, error) {
	if !r.registry.GatewayExists(gateway) {
		return nil, fmt.Errorf("%w: %q", domain.ErrGatewayNotFound, gateway)
	}

	cfg := map[string]any{}
	if r.configs != nil {
		loaded, err := r.configs.Load(ctx, gateway)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, gatewayconfigdomain.ErrGatewayConfigMissing):
		default:
			return nil, err
		}
	}

	adapter, err := r.registry.NewAdapter(gateway, domain.AdapterConfig{
		Gateway:  gateway,
		Config:   cfg,
		Timeout:  r.timeout,
		Observer: r.observer,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) && len(cfg) == 0 {
			return nil, fmt.Errorf("%w: %s", gatewayconfigdomain.ErrGatewayConfigMissing, gateway)
		}
		return nil, err
	}
	return adapter, nil
}
