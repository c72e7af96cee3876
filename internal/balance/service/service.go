package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/metergate/internal/balance/cache"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/balance/guard"
	"github.com/smallbiznis/metergate/internal/balance/reset"
	"github.com/smallbiznis/metergate/internal/balance/resolver"
	"github.com/smallbiznis/metergate/internal/balance/writeback"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        entdomain.Repository
	Catalog     featuredomain.Catalog
	Cache       *cache.Store
	Durable     *durable.Executor
	Reset       *reset.Manager
	Sync        *writeback.Synchronizer
	Handoff     *writeback.Handoff
	Provisioner *guard.Provisioner
	Policy      *config.BalancePolicyHolder
	Metrics     *metrics.Metrics `optional:"true"`
}

// Service answers check and track requests. Deductions go through the cache
// when a warm snapshot exists and fall back to the durable store when the
// cache cannot serve them.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        entdomain.Repository
	catalog     featuredomain.Catalog
	resolver    *resolver.Resolver
	cache       *cache.Store
	durable     *durable.Executor
	reset       *reset.Manager
	sync        *writeback.Synchronizer
	handoff     *writeback.Handoff
	provisioner *guard.Provisioner
	policy      *config.BalancePolicyHolder
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	loads       singleflight.Group
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("balance.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		catalog:     p.Catalog,
		resolver:    resolver.New(p.Catalog),
		cache:       p.Cache,
		durable:     p.Durable,
		reset:       p.Reset,
		sync:        p.Sync,
		handoff:     p.Handoff,
		provisioner: p.Provisioner,
		policy:      p.Policy,
		metrics:     p.Metrics,
		tracer:      otel.Tracer("metergate/balance"),
	}
}

// view is a customer's balances and where they were read from.
type view struct {
	states []*domain.BalanceState
	// snap is the cache read that preceded a durable load, nil when the
	// cache was not consulted.
	snap *cache.Snapshot
	path string
}

// cached returns the customer's warm snapshot, or the recoverable reason it
// cannot be used.
func (s *Service) cached(ctx context.Context, customerID string) (*cache.Snapshot, error) {
	if !s.handoff.Settle(ctx, customerID) {
		return nil, fmt.Errorf("%w: snapshot awaits retirement", domain.ErrCacheUnavailable)
	}
	snap, err := s.cache.Load(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if snap.Cold {
		return snap, domain.ErrCacheCold
	}
	now := s.clock.Now().UnixMilli()
	for _, st := range snap.States {
		if st.Stale(now) {
			return snap, domain.ErrCacheStale
		}
	}
	return snap, nil
}

// read returns the customer's current balances for a read-only decision.
func (s *Service) read(ctx context.Context, customerID string) (*view, error) {
	var (
		snap  *cache.Snapshot
		cause error
	)
	if s.cache.Enabled() {
		snap, cause = s.cached(ctx, customerID)
		switch {
		case cause == nil:
			return &view{states: snap.States, snap: snap, path: domain.PathCache}, nil
		case !domain.IsRecoverable(cause):
			return nil, cause
		}
		metrics.Balance().IncFallback(fallbackReason(cause))
	}

	states, err := s.loadDurable(ctx, customerID)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, customerID, snap, cause, states)
	return &view{states: states, snap: snap, path: domain.PathDurable}, nil
}

// loadDurable reads the customer's active rows with due resets applied.
// Concurrent loads for one customer share a single query, which is not bound
// to the cancellation of whichever caller started it.
func (s *Service) loadDurable(ctx context.Context, customerID string) ([]*domain.BalanceState, error) {
	ch := s.loads.DoChan(customerID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout())
		defer cancel()

		rows, err := s.repo.ListActiveByCustomer(lctx, s.db, customerID)
		if err != nil {
			return nil, err
		}
		rows, err = s.reset.Refresh(lctx, rows)
		if err != nil {
			return nil, err
		}
		states := make([]*domain.BalanceState, 0, len(rows))
		for i := range rows {
			states = append(states, domain.FromCustomerEntitlement(&rows[i]))
		}
		return states, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	shared := res.Val.([]*domain.BalanceState)
	out := make([]*domain.BalanceState, 0, len(shared))
	for _, st := range shared {
		out = append(out, st.Clone())
	}
	return out, nil
}

// refreshCache brings the cache in line with states read from the durable
// store. A cold snapshot is warmed, fenced by the generation observed when
// it was found cold; a warm one only takes entries that are newer. A stale
// snapshot is dropped since its versions may be ahead of the reset rows.
func (s *Service) refreshCache(ctx context.Context, customerID string, snap *cache.Snapshot, cause error, states []*domain.BalanceState) {
	if !s.cache.Connected() {
		return
	}
	if errors.Is(cause, domain.ErrCacheStale) {
		s.Invalidate(ctx, customerID)
		return
	}
	log := ctxlogger.WithContext(ctx, s.log)

	if snap != nil && snap.Cold {
		ok, err := s.cache.Warm(ctx, customerID, snap.Gen, states)
		switch {
		case err != nil:
			metrics.Balance().IncCacheWarm(metrics.OutcomeError)
			log.Warn("cache warm failed", zap.String("customer_id", customerID), zap.Error(err))
		case ok:
			metrics.Balance().IncCacheWarm(metrics.OutcomeOK)
			log.Debug("cache warmed", zap.String("customer_id", customerID), zap.Int("entitlements", len(states)))
		default:
			metrics.Balance().IncCacheWarm(metrics.OutcomeRejected)
		}
		return
	}

	if _, err := s.cache.Upsert(ctx, customerID, states); err != nil {
		// a snapshot that may now be behind the durable store must go
		s.handoff.MarkDirty(customerID)
		log.Warn("cache refresh failed, snapshot scheduled for retirement",
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
	}
}

// Invalidate retires the customer's snapshot so the next read rebuilds it,
// retrying in the background when the cache is unreachable.
func (s *Service) Invalidate(ctx context.Context, customerID string) {
	if err := s.handoff.Retire(ctx, customerID); err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("cache invalidation deferred",
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
	}
}

func (s *Service) loadTimeout() time.Duration {
	if d := s.policy.Get().Durable.CommitTimeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrCacheCold):
		return metrics.FallbackReasonCold
	case errors.Is(err, domain.ErrCacheStale):
		return metrics.FallbackReasonStale
	default:
		return metrics.FallbackReasonUnavailable
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
