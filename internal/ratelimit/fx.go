package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payflow/internal/config"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	refunddomain "github.com/smallbiznis/payflow/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewTokenBucket),
	fx.Provide(NewLocker),
	fx.Provide(ProvideRefundThrottle),
)

type Params struct {
	fx.In

	Cfg        config.Config
	Bucket     *TokenBucket
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// NewRedisClient returns nil when redis is disabled; the throttle and the
// reconcile lock then fall back to their unshared behaviour.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled || strings.TrimSpace(cfg.Redis.Addr) == "" {
		log.Info("redis disabled; refund throttle and reconcile lock are off")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideRefundThrottle(p Params) refunddomain.Throttle {
	if p.Bucket == nil {
		return nil
	}
	return NewRefundThrottle(p.Bucket, p.Cfg.Redis.RefundThrottleRate, p.Cfg.Redis.RefundThrottleBurst, p.ObsMetrics)
}
