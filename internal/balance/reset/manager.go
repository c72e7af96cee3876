package reset

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCASAttempts = 5

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  entdomain.Repository
	Node  *snowflake.Node
}

// Manager applies lazy resets to rows read outside a deduction transaction.
type Manager struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  entdomain.Repository
	node  *snowflake.Node
}

func NewManager(p Params) *Manager {
	return &Manager{
		db:    p.DB,
		log:   p.Log.Named("balance.reset"),
		clock: p.Clock,
		repo:  p.Repo,
		node:  p.Node,
	}
}

// Stamp bumps the row's version and change-feed revision for a write.
func (m *Manager) Stamp(row *entdomain.CustomerEntitlement) {
	row.Version++
	row.Revision = m.node.Generate().Int64()
	row.UpdatedAt = m.clock.Now()
}

// Refresh returns rows with every due reset applied and persisted. A reset is
// written with a compare-and-swap on the row version; when another writer got
// there first the row is re-read and evaluated again, so concurrent callers
// never grant the same period twice.
func (m *Manager) Refresh(ctx context.Context, rows []entdomain.CustomerEntitlement) ([]entdomain.CustomerEntitlement, error) {
	now := m.clock.Now()
	out := make([]entdomain.CustomerEntitlement, len(rows))
	copy(out, rows)

	for i := range out {
		if out[i].NextResetAt == nil || out[i].NextResetAt.After(now) {
			continue
		}
		row, err := m.refreshOne(ctx, out[i])
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

func (m *Manager) refreshOne(ctx context.Context, row entdomain.CustomerEntitlement) (entdomain.CustomerEntitlement, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := m.clock.Now()
		if row.NextResetAt == nil || row.NextResetAt.After(now) {
			return row, nil
		}
		expected := row.Version
		periods := Evaluate(&row, now)

		m.Stamp(&row)
		ok, err := m.repo.SaveBalance(ctx, m.db, &row, expected)
		if err != nil {
			return row, fmt.Errorf("save reset: %w", err)
		}
		if ok {
			metrics.Balance().AddResets(periods)
			m.log.Debug("entitlement reset",
				zap.String("customer_entitlement_id", row.ID.String()),
				zap.Int("periods", periods),
				zap.Timep("next_reset_at", row.NextResetAt),
			)
			return row, nil
		}

		fresh, err := m.repo.FindByIDs(ctx, m.db, []snowflake.ID{row.ID})
		if err != nil {
			return row, err
		}
		if len(fresh) == 0 {
			return row, fmt.Errorf("customer entitlement %s disappeared during reset", row.ID)
		}
		row = fresh[0]
	}
	return row, fmt.Errorf("%w: reset of %s", entdomain.ErrVersionConflict, row.ID)
}
