package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/clock"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ProvisionerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    entdomain.Repository
	Node    *snowflake.Node
	Guard   *Guard
	Catalog featuredomain.Catalog
	Durable *durable.Executor
}

type EntityInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provisioner creates and deletes entities. An entity takes one unit from
// the customer's capacity-bearing entitlements for its feature and gets a
// fresh sub-balance on every entitlement linked to that feature.
type Provisioner struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    entdomain.Repository
	node    *snowflake.Node
	guard   *Guard
	catalog featuredomain.Catalog
	durable *durable.Executor
}

func NewProvisioner(p ProvisionerParams) *Provisioner {
	return &Provisioner{
		db:      p.DB,
		log:     p.Log.Named("balance.entities"),
		clock:   p.Clock,
		repo:    p.Repo,
		node:    p.Node,
		guard:   p.Guard,
		catalog: p.Catalog,
		durable: p.Durable,
	}
}

// scope splits the customer's rows for one entity feature.
type scope struct {
	// capacity rows are finite, customer-level rows of the feature itself.
	capacity []entdomain.CustomerEntitlement
	// linked rows hold per-entity sub-balances keyed by entities of the feature.
	linked []entdomain.CustomerEntitlement
}

func (s scope) capacityIDs() []string {
	return lo.Map(s.capacity, func(row entdomain.CustomerEntitlement, _ int) string { return row.ID.String() })
}

func (p *Provisioner) scopeFor(ctx context.Context, customerID, featureID string) (scope, error) {
	rows, err := p.repo.ListActiveByCustomer(ctx, p.db, customerID)
	if err != nil {
		return scope{}, err
	}
	return split(rows, featureID), nil
}

func split(rows []entdomain.CustomerEntitlement, featureID string) scope {
	var s scope
	for _, row := range rows {
		tmpl := row.Entitlement
		switch {
		case row.FeatureID == featureID && !tmpl.EntityScoped() && !row.Unlimited:
			s.capacity = append(s.capacity, row)
		case tmpl.EntityScoped() && *tmpl.EntityFeatureID == featureID:
			s.linked = append(s.linked, row)
		}
	}
	return s
}

func (p *Provisioner) CreateEntities(ctx context.Context, customerID, featureID string, inputs []EntityInput) ([]entdomain.Entity, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" || len(inputs) == 0 {
		return nil, fmt.Errorf("%w: customer_id and entities are required", domain.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(inputs))
	for i := range inputs {
		inputs[i].ID = strings.TrimSpace(inputs[i].ID)
		if inputs[i].ID == "" {
			return nil, fmt.Errorf("%w: entity id is required", domain.ErrInvalidRequest)
		}
		if _, dup := seen[inputs[i].ID]; dup {
			return nil, fmt.Errorf("%w: duplicate entity %s", domain.ErrInvalidRequest, inputs[i].ID)
		}
		seen[inputs[i].ID] = struct{}{}
	}
	if err := p.checkFeature(ctx, featureID); err != nil {
		return nil, err
	}

	s, err := p.scopeFor(ctx, customerID, featureID)
	if err != nil {
		return nil, err
	}
	if len(s.capacity) > 0 {
		release, err := p.guard.Acquire(ctx, s.capacityIDs())
		if err != nil {
			return nil, err
		}
		defer release()
	}

	now := p.clock.Now()
	created := make([]entdomain.Entity, 0, len(inputs))
	_, err = p.durable.Transact(ctx, customerID, func(tx *gorm.DB, w *durable.Write) error {
		created = created[:0]
		for _, in := range inputs {
			existing, err := p.repo.FindEntity(ctx, tx, customerID, in.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: %s", entdomain.ErrEntityExists, in.ID)
			}
		}

		err := p.mutate(w, float64(len(inputs)), featureID, func(entities entdomain.EntityBalances, allowance float64) {
			for _, in := range inputs {
				entities[in.ID] = entdomain.EntityBalance{Balance: allowance}
			}
		})
		if err != nil {
			return err
		}

		for _, in := range inputs {
			entity := entdomain.Entity{
				ID:         p.node.Generate(),
				CustomerID: customerID,
				EntityID:   in.ID,
				FeatureID:  featureID,
				Name:       in.Name,
				CreatedAt:  now,
			}
			if err := p.repo.CreateEntity(ctx, tx, &entity); err != nil {
				return err
			}
			created = append(created, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("entities created",
		zap.String("customer_id", customerID),
		zap.String("feature_id", featureID),
		zap.Int("count", len(created)),
	)
	return created, nil
}

// DeleteEntity returns the entity's unit of capacity and drops its
// sub-balances.
func (p *Provisioner) DeleteEntity(ctx context.Context, customerID, entityID string) (*entdomain.Entity, error) {
	entity, err := p.repo.FindEntity(ctx, p.db, customerID, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: %s", entdomain.ErrEntityNotFound, entityID)
	}

	s, err := p.scopeFor(ctx, customerID, entity.FeatureID)
	if err != nil {
		return nil, err
	}
	if len(s.capacity) > 0 {
		release, err := p.guard.Acquire(ctx, s.capacityIDs())
		if err != nil {
			return nil, err
		}
		defer release()
	}

	_, err = p.durable.Transact(ctx, customerID, func(tx *gorm.DB, w *durable.Write) error {
		deleted, err := p.repo.DeleteEntity(ctx, tx, customerID, entityID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: %s", entdomain.ErrEntityNotFound, entityID)
		}
		return p.mutate(w, -1, entity.FeatureID, func(entities entdomain.EntityBalances, _ float64) {
			delete(entities, entityID)
		})
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("entity deleted", zap.String("customer_id", customerID), zap.String("entity_id", entityID))
	return entity, nil
}

// mutate takes units from (or, when negative, returns units to) the
// customer's capacity rows for featureID and edits the entity maps of the
// rows linked to it.
func (p *Provisioner) mutate(
	w *durable.Write,
	units float64,
	featureID string,
	edit func(entities entdomain.EntityBalances, allowance float64),
) error {
	s := split(w.Rows, featureID)
	targets := s.capacityIDs()
	sort.Slice(targets, func(i, j int) bool { return domain.LessID(targets[i], targets[j]) })

	if len(targets) > 0 {
		states := w.States()
		_, err := domain.Apply(states, []domain.FeatureDeduction{{
			FeatureID: featureID,
			Amount:    units,
			Targets:   targets,
		}}, domain.OverageCap, w.Now.UnixMilli())
		if err != nil {
			return err
		}
		for _, id := range targets {
			domain.ApplyToCustomerEntitlement(states[id], w.Row(id))
		}
		w.Touch(targets...)
	}

	for _, linked := range s.linked {
		id := linked.ID.String()
		row := w.Row(id)
		entities := row.EntityMap()
		edit(entities, row.Entitlement.AllowanceValue())
		row.SetEntities(entities)
		w.Touch(id)
	}
	return nil
}

func (p *Provisioner) checkFeature(ctx context.Context, featureID string) error {
	f, err := p.catalog.Get(ctx, featureID)
	if errors.Is(err, featuredomain.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrFeatureNotFound, featureID)
	}
	if err != nil {
		return err
	}
	if f.Type != featuredomain.FeatureTypeMetered {
		return fmt.Errorf("%w: entities need a metered feature, %s is %s", domain.ErrInvalidFeatureType, featureID, f.Type)
	}
	return nil
}
