package guard

import (
	"context"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyEntityLock  = "metergate:entity-lock:"
	releaseTimeout = 2 * time.Second
)

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
	Clock  clock.Clock
	Policy *config.BalancePolicyHolder
}

// Guard serializes entity provisioning against one capacity-bearing
// entitlement. A held lock is reported as domain.ErrTryAgain immediately;
// callers are never queued.
type Guard struct {
	remote Locker
	local  Locker
	log    *zap.Logger
	policy *config.BalancePolicyHolder
}

func NewGuard(p Params) *Guard {
	g := &Guard{
		local:  NewLocalLocker(p.Clock),
		log:    p.Log.Named("balance.guard"),
		policy: p.Policy,
	}
	if l := NewRedisLocker(p.Client); l != nil {
		g.remote = l
	}
	return g
}

func LockKey(entitlementID string) string {
	return keyEntityLock + entitlementID
}

type held struct {
	locker Locker
	key    string
	token  string
}

// Acquire locks every entitlement id, in a fixed order. If any lock is held
// by someone else the ones already taken are released and ErrTryAgain is
// returned. The returned release func is never nil.
func (g *Guard) Acquire(ctx context.Context, entitlementIDs []string) (func(), error) {
	ids := append([]string(nil), entitlementIDs...)
	sort.Slice(ids, func(i, j int) bool { return domain.LessID(ids[i], ids[j]) })

	ttl := g.policy.Get().Guard.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	taken := make([]held, 0, len(ids))
	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		for i := len(taken) - 1; i >= 0; i-- {
			h := taken[i]
			if err := h.locker.Release(ctx, h.key, h.token); err != nil {
				g.log.Warn("release entity lock", zap.String("key", h.key), zap.Error(err))
			}
		}
	}

	for _, id := range ids {
		key := LockKey(id)
		h, ok, err := g.tryLock(ctx, key, ttl)
		if err != nil {
			release()
			return func() {}, err
		}
		if !ok {
			release()
			metrics.Balance().IncGuardConflict()
			g.log.Debug("entity lock held", zap.String("entitlement_id", id))
			return func() {}, domain.ErrTryAgain
		}
		taken = append(taken, h)
	}
	return release, nil
}

func (g *Guard) tryLock(ctx context.Context, key string, ttl time.Duration) (held, bool, error) {
	if g.remote != nil {
		token, ok, err := g.remote.TryLock(ctx, key, ttl)
		if err == nil {
			return held{locker: g.remote, key: key, token: token}, ok, nil
		}
		if ctx.Err() != nil {
			return held{}, false, ctx.Err()
		}
		// the provisioning transaction still guards the seat count
		g.log.Warn("redis lock unavailable, using local lock", zap.String("key", key), zap.Error(err))
	}
	token, ok, err := g.local.TryLock(ctx, key, ttl)
	return held{locker: g.local, key: key, token: token}, ok, err
}
