package writeback

import (
	"context"
	"sort"
	gosync "sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/clock"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ApplierParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  entdomain.Repository
	Node  *snowflake.Node
}

// Applier writes cache states into the durable store. A state is written
// only when it is newer than the stored row, so replays and out-of-order
// delivery never move a balance backwards.
type Applier struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  entdomain.Repository
	node  *snowflake.Node

	// outstanding holds the newest published state per customer and id
	// until the durable store has caught up with it.
	mu          gosync.Mutex
	outstanding map[string]map[string]domain.BalanceState
}

type ApplyStats struct {
	Applied    int
	Superseded int
	Missing    int
}

func NewApplier(p ApplierParams) *Applier {
	return &Applier{
		db:    p.DB,
		log:   p.Log.Named("writeback.applier"),
		clock: p.Clock,
		repo:  p.Repo,
		node:  p.Node,

		outstanding: make(map[string]map[string]domain.BalanceState),
	}
}

// Track records states handed to the queue but not yet applied.
func (a *Applier) Track(customerID string, states []domain.BalanceState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID, ok := a.outstanding[customerID]
	if !ok {
		byID = make(map[string]domain.BalanceState, len(states))
		a.outstanding[customerID] = byID
	}
	for _, st := range states {
		if cur, ok := byID[st.ID]; ok && cur.Version >= st.Version {
			continue
		}
		byID[st.ID] = st
	}
}

// Outstanding returns copies of the customer's unapplied states by id.
func (a *Applier) Outstanding(customerID string) map[string]*domain.BalanceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*domain.BalanceState, len(a.outstanding[customerID]))
	for id, st := range a.outstanding[customerID] {
		out[id] = st.Clone()
	}
	return out
}

// Forget drops outstanding states the durable store already covers.
func (a *Applier) Forget(durable []domain.BalanceState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range durable {
		byID, ok := a.outstanding[st.CustomerID]
		if !ok {
			continue
		}
		if cur, ok := byID[st.ID]; ok && cur.Version <= st.Version {
			delete(byID, st.ID)
		}
		if len(byID) == 0 {
			delete(a.outstanding, st.CustomerID)
		}
	}
}

// Coalesce keeps the highest version per entitlement, ordered by id.
func Coalesce(in []domain.BalanceState) []domain.BalanceState {
	latest := make(map[string]domain.BalanceState, len(in))
	for _, st := range in {
		if cur, ok := latest[st.ID]; ok && cur.Version >= st.Version {
			continue
		}
		latest[st.ID] = st
	}
	out := make([]domain.BalanceState, 0, len(latest))
	for _, st := range latest {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return domain.LessID(out[i].ID, out[j].ID) })
	return out
}

func (a *Applier) Apply(ctx context.Context, in []domain.BalanceState) (ApplyStats, error) {
	var stats ApplyStats
	pending := Coalesce(in)
	if len(pending) == 0 {
		return stats, nil
	}

	ids := make([]snowflake.ID, 0, len(pending))
	valid := pending[:0]
	for _, st := range pending {
		id, err := domain.ParseStateID(st.ID)
		if err != nil {
			a.log.Warn("skipping state with invalid id", zap.String("id", st.ID))
			stats.Missing++
			continue
		}
		ids = append(ids, id)
		valid = append(valid, st)
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		missing := 0

		rows, err := a.repo.LockByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		byID := make(map[string]*entdomain.CustomerEntitlement, len(rows))
		for i := range rows {
			byID[rows[i].ID.String()] = &rows[i]
		}

		now := a.clock.Now()
		for i := range valid {
			st := &valid[i]
			row, ok := byID[st.ID]
			if !ok {
				missing++
				continue
			}
			if row.Version >= st.Version || domain.EarlierPeriod(st, row) {
				stats.Superseded++
				continue
			}
			domain.ApplyToCustomerEntitlement(st, row)
			row.Version = st.Version
			row.Revision = a.node.Generate().Int64()
			row.UpdatedAt = now

			applied, err := a.repo.ApplyVersioned(ctx, tx, row)
			if err != nil {
				return err
			}
			if applied {
				stats.Applied++
			} else {
				stats.Superseded++
			}
		}
		stats.Missing += missing
		return nil
	})
	if err != nil {
		return ApplyStats{Missing: stats.Missing}, err
	}
	// applied or superseded, the store is at least at these versions now
	a.Forget(valid)
	return stats, nil
}
