package writeback

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/cache"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ReconcilerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    entdomain.Repository
	Store   *cache.Store
	Handoff *Handoff
	Policy  *config.BalancePolicyHolder
}

// Reconciler follows the durable change feed and refreshes warm cache
// snapshots with rows changed outside the cache path. It also retires
// snapshots a durable writer could not reach when it needed them.
type Reconciler struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    entdomain.Repository
	store   *cache.Store
	handoff *Handoff
	policy  *config.BalancePolicyHolder

	mu      gosync.Mutex
	cursor  int64
	started bool
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	return &Reconciler{
		db:      p.DB,
		log:     p.Log.Named("writeback.reconciler"),
		clock:   p.Clock,
		repo:    p.Repo,
		store:   p.Store,
		handoff: p.Handoff,
		policy:  p.Policy,
	}
}

// Start positions the cursor at the current head of the change feed.
func (r *Reconciler) Start(ctx context.Context) error {
	head, err := r.repo.MaxRevision(ctx, r.db)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cursor = head
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) RunForever(ctx context.Context) {
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("reconcile failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval()):
		}
	}
}

// RunOnce refreshes snapshots for rows changed since the last run and
// returns how many cache entries were rewritten. Rows newer than one
// interval are left for the next run, so a transaction that commits late
// with an older revision is still seen.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if !r.store.Connected() {
		return 0, nil
	}
	if err := r.handoff.FlushDirty(ctx); err != nil {
		return 0, err
	}

	r.mu.Lock()
	started, cursor := r.started, r.cursor
	r.mu.Unlock()
	if !started {
		if err := r.Start(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	changed, err := r.repo.ListModifiedSince(ctx, r.db, cursor, r.policy.Get().Sync.ReconcileBatch)
	if err != nil {
		return 0, err
	}
	horizon := revisionAt(r.clock.Now().Add(-r.interval()))
	changed = lo.Filter(changed, func(row entdomain.ChangedRow, _ int) bool {
		return row.Revision <= horizon
	})
	if len(changed) == 0 {
		return 0, nil
	}

	written := 0
	byCustomer := lo.GroupBy(changed, func(row entdomain.ChangedRow) string { return row.CustomerID })
	customers := lo.Keys(byCustomer)
	sort.Strings(customers)
	for _, customerID := range customers {
		n, err := r.refreshCustomer(ctx, customerID)
		if err != nil {
			return written, err
		}
		written += n
	}

	r.mu.Lock()
	r.cursor = changed[len(changed)-1].Revision
	r.mu.Unlock()

	metrics.Balance().AddReconciled(written)
	if written > 0 {
		r.log.Debug("reconciled snapshots", zap.Int("entries", written), zap.Int("customers", len(customers)))
	}
	return written, nil
}

// Cursor returns the last change-feed revision handled.
func (r *Reconciler) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Reconciler) refreshCustomer(ctx context.Context, customerID string) (int, error) {
	rows, err := r.repo.ListActiveByCustomer(ctx, r.db, customerID)
	if err != nil {
		return 0, err
	}
	states := make([]*domain.BalanceState, 0, len(rows))
	for i := range rows {
		states = append(states, domain.FromCustomerEntitlement(&rows[i]))
	}
	return r.store.Upsert(ctx, customerID, states)
}

func (r *Reconciler) interval() time.Duration {
	if d := r.policy.Get().Sync.ReconcileInterval; d > 0 {
		return d
	}
	return 2 * time.Second
}

// revisionAt is the smallest snowflake id generated at t.
func revisionAt(t time.Time) int64 {
	ms := t.UnixMilli() - snowflake.Epoch
	if ms < 0 {
		return 0
	}
	return ms << (snowflake.NodeBits + snowflake.StepBits)
}
