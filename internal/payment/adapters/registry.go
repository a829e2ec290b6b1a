package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/payflow/internal/payment/domain"
)

type Registry struct {
	factories map[string]domain.AdapterFactory
	methods   map[domain.Method]string
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		methods:   map[domain.Method]string{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		gateway := normalize(factory.Gateway())
		if gateway == "" {
			continue
		}
		registry.factories[gateway] = factory
		for _, method := range factory.Methods() {
			registry.methods[method] = gateway
		}
	}
	return registry
}

func (r *Registry) GatewayExists(gateway string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(gateway)]
	return ok
}

func (r *Registry) Gateways() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) GatewayForMethod(method domain.Method) (string, error) {
	if r == nil {
		return "", domain.ErrGatewayNotFound
	}
	gateway, ok := r.methods[method]
	if !ok {
		return "", fmt.Errorf("%w: no gateway for method %q", domain.ErrGatewayNotFound, method)
	}
	return gateway, nil
}

func (r *Registry) NewAdapter(gateway string, cfg domain.AdapterConfig) (domain.GatewayAdapter, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotFound
	}
	factory, ok := r.factories[normalize(gateway)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrGatewayNotFound, gateway)
	}
	cfg.Gateway = factory.Gateway()
	return factory.NewAdapter(cfg)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
