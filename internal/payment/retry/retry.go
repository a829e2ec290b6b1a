package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/payflow/internal/config"
	paymentdomain "github.com/smallbiznis/payflow/internal/payment/domain"
)

// Policy bounds retries of transient gateway failures.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func FromConfig(cfg config.GatewayConfig) Policy {
	return Policy{
		MaxTries:        cfg.MaxRetries,
		InitialInterval: cfg.RetryBackoff,
		MaxInterval:     10 * cfg.RetryBackoff,
	}
}

// Gateway calls op until it succeeds, fails permanently or the tries run
// out. The last error is returned unchanged.
func Gateway[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	tries := policy.MaxTries
	if tries == 0 {
		tries = 1
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op(ctx)
		if err != nil && !paymentdomain.IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}
