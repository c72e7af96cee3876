package cache

import (
	"context"
	"errors"
	"fmt"
	"net"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/balance/domain"
)

const poolTimeoutMsg = "redis: connection pool timeout"

// notSubmitted reports errors raised before the command reached Redis, or
// replies where Redis refused to run it.
func notSubmitted(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	if err.Error() == poolTimeoutMsg {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var redisErr redis.Error
	return errors.As(err, &redisErr)
}

// unavailable wraps read-side failures. Nothing is mutated by reads, so every
// failure is safe to fall back from.
func unavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
}

// classifyCommit maps a failed deduction script call. Only failures that
// provably happened before submission are recoverable.
func classifyCommit(err error) error {
	if notSubmitted(err) {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
}
