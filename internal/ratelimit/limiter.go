package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/zap"
)

const keyCustomerRate = "metergate:ratelimit:customer:%s"

// CustomerLimiter throttles check and track calls per customer. A nil
// limiter allows everything.
type CustomerLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCustomerLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *CustomerLimiter {
	if cfg.TrackRateLimit <= 0 {
		return nil
	}
	if client == nil {
		log.Warn("customer rate limit configured without redis, limiter disabled")
		return nil
	}
	burst := cfg.TrackRateBurst
	if burst <= 0 {
		burst = 1
	}
	return &CustomerLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.TrackRateLimit,
		burst:  burst,
	}
}

func (l *CustomerLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *CustomerLimiter) Allow(ctx context.Context, customerID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyCustomerRate, strings.TrimSpace(customerID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
