package writeback

import (
	"context"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/cache"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const releaseTimeout = time.Second

type HandoffParams struct {
	fx.In

	Store   *cache.Store
	Applier *Applier
	Log     *zap.Logger
	Policy  *config.BalancePolicyHolder
}

// Handoff moves a customer's cached balances into durable transactions and
// back. While a durable writer holds a customer the snapshot is empty and
// fenced, so cache commits and warms wait for the committed rows.
//
// A snapshot that could not be taken because Redis was unreachable is marked
// dirty. It must be retired before the cache serves the customer again.
type Handoff struct {
	store   *cache.Store
	applier *Applier
	log     *zap.Logger
	policy  *config.BalancePolicyHolder

	mu    gosync.Mutex
	dirty map[string]struct{}
}

func NewHandoff(p HandoffParams) *Handoff {
	return &Handoff{
		store:   p.Store,
		applier: p.Applier,
		log:     p.Log.Named("writeback.handoff"),
		policy:  p.Policy,
		dirty:   make(map[string]struct{}),
	}
}

func (h *Handoff) lease() time.Duration {
	timeout := h.policy.Get().Durable.CommitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return 2 * timeout
}

// Take returns the newest state known per entitlement: the snapshot's
// entries and whatever this process published that is not applied yet.
func (h *Handoff) Take(ctx context.Context, customerID string) (map[string]*domain.BalanceState, func([]domain.BalanceState)) {
	out := h.applier.Outstanding(customerID)
	if !h.store.Connected() {
		return out, h.applier.Forget
	}

	token := ulid.Make().String()
	taken, err := h.store.Take(ctx, customerID, token, h.lease())
	if err != nil {
		h.MarkDirty(customerID)
		h.log.Warn("cache handoff failed, snapshot scheduled for retirement",
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
		return out, h.applier.Forget
	}
	for _, st := range taken {
		if cur, ok := out[st.ID]; ok && cur.Version >= st.Version {
			continue
		}
		out[st.ID] = st
	}

	return out, func(committed []domain.BalanceState) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		var warm []*domain.BalanceState
		if committed == nil {
			h.settle(rctx, customerID, taken)
		} else {
			h.applier.Forget(committed)
			warm = lo.Map(committed, func(st domain.BalanceState, _ int) *domain.BalanceState { return &st })
		}
		warmed, err := h.store.Release(rctx, customerID, token, warm)
		if err != nil {
			// the fence lapses on its own once the lease ends
			h.log.Warn("cache release failed", zap.String("customer_id", customerID), zap.Error(err))
			return
		}
		if warmed {
			h.log.Debug("cache warmed from durable commit", zap.String("customer_id", customerID), zap.Int("entitlements", len(warm)))
		}
	}
}

// settle writes states taken from the cache to the durable store. They left
// the snapshot and must not be lost with it.
func (h *Handoff) settle(ctx context.Context, customerID string, taken []*domain.BalanceState) {
	if len(taken) == 0 {
		return
	}
	states := lo.Map(taken, func(st *domain.BalanceState, _ int) domain.BalanceState { return *st })
	if _, err := h.applier.Apply(ctx, states); err != nil {
		// still tracked as outstanding when this process published them
		h.applier.Track(customerID, states)
		h.log.Error("taken cache states not written",
			zap.String("customer_id", customerID),
			zap.Int("states", len(states)),
			zap.Error(err),
		)
	}
}

// Retire empties the customer's snapshot, writing what it held to the
// durable store. The next read warms it again from the store.
func (h *Handoff) Retire(ctx context.Context, customerID string) error {
	if !h.store.Connected() {
		return nil
	}
	token := ulid.Make().String()
	taken, err := h.store.Take(ctx, customerID, token, h.lease())
	if err != nil {
		h.MarkDirty(customerID)
		return err
	}
	h.clean(customerID)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	h.settle(rctx, customerID, taken)
	if _, err := h.store.Release(rctx, customerID, token, nil); err != nil {
		h.log.Warn("cache release failed", zap.String("customer_id", customerID), zap.Error(err))
	}
	return nil
}

// MarkDirty schedules the customer's snapshot for retirement.
func (h *Handoff) MarkDirty(customerID string) {
	h.mu.Lock()
	h.dirty[customerID] = struct{}{}
	h.mu.Unlock()
}

// Dirty reports whether the customer's snapshot awaits retirement.
func (h *Handoff) Dirty(customerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.dirty[customerID]
	return ok
}

func (h *Handoff) clean(customerID string) {
	h.mu.Lock()
	delete(h.dirty, customerID)
	h.mu.Unlock()
}

// Settle retires the customer's snapshot when it is dirty. It reports
// whether the cache may serve the customer.
func (h *Handoff) Settle(ctx context.Context, customerID string) bool {
	if !h.Dirty(customerID) {
		return true
	}
	if err := h.Retire(ctx, customerID); err != nil {
		h.log.Debug("dirty snapshot still unreachable", zap.String("customer_id", customerID), zap.Error(err))
		return false
	}
	return true
}

// FlushDirty retires every dirty snapshot, stopping at the first failure.
func (h *Handoff) FlushDirty(ctx context.Context) error {
	h.mu.Lock()
	pending := lo.Keys(h.dirty)
	h.mu.Unlock()

	for _, customerID := range pending {
		if err := h.Retire(ctx, customerID); err != nil {
			return err
		}
	}
	return nil
}
