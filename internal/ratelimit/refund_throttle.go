package ratelimit

import (
	"context"
	"strings"

	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
)

const (
	keyPrefix        = "payflow:ratelimit:"
	refundEndpoint   = "refund"
	reasonBucketFull = "bucket_empty"
)

// RefundThrottle caps refund requests per key with a shared token bucket.
type RefundThrottle struct {
	bucket     *TokenBucket
	rate       float64
	burst      int
	obsMetrics *obsmetrics.Metrics
}

func NewRefundThrottle(bucket *TokenBucket, rate float64, burst int, m *obsmetrics.Metrics) *RefundThrottle {
	return &RefundThrottle{bucket: bucket, rate: rate, burst: burst, obsMetrics: m}
}

func (t *RefundThrottle) Allow(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrInvalidKey
	}
	res, err := t.bucket.Allow(ctx, keyPrefix+key, t.rate, t.burst)
	if err != nil {
		return false, err
	}
	if !res.Allowed {
		t.obsMetrics.RecordRateLimitDenied(ctx, refundEndpoint, reasonBucketFull)
		return false, nil
	}
	t.obsMetrics.RecordRateLimitAllowed(ctx, refundEndpoint)
	return true, nil
}
