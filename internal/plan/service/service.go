package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/clock"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/internal/plan/domain"
	"github.com/smallbiznis/metergate/pkg/db"
	"github.com/smallbiznis/metergate/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        entdomain.Repository
	Node        *snowflake.Node
	Catalog     featuredomain.Catalog
	Invalidator domain.Invalidator `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        entdomain.Repository
	node        *snowflake.Node
	catalog     featuredomain.Catalog
	invalidator domain.Invalidator
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("plan.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		node:        p.Node,
		catalog:     p.Catalog,
		invalidator: p.Invalidator,
	}
}

func (s *Service) DefineEntitlement(ctx context.Context, req domain.EntitlementRequest) (*entdomain.Entitlement, error) {
	productID := strings.TrimSpace(req.ProductID)
	featureID := strings.TrimSpace(req.FeatureID)
	if productID == "" || featureID == "" {
		return nil, fmt.Errorf("%w: product_id and feature_id are required", domain.ErrInvalidRequest)
	}
	if _, err := s.catalog.Get(ctx, featureID); err != nil {
		return nil, err
	}
	if req.Allowance != nil && !validAmount(*req.Allowance) {
		return nil, fmt.Errorf("%w: %v", entdomain.ErrInvalidAllowance, *req.Allowance)
	}
	interval, err := entdomain.ParseInterval(strings.TrimSpace(req.Interval))
	if err != nil {
		return nil, err
	}
	count := req.IntervalCount
	switch {
	case count == 0:
		count = 1
	case count < 0:
		return nil, fmt.Errorf("%w: interval_count %d", entdomain.ErrInvalidInterval, count)
	}

	now := s.clock.Now()
	ent := &entdomain.Entitlement{
		ID:            s.node.Generate(),
		ProductID:     productID,
		FeatureID:     featureID,
		Allowance:     req.Allowance,
		Interval:      interval,
		IntervalCount: count,
		UsageAllowed:  req.UsageAllowed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.UsageLimit != nil {
		if !req.UsageAllowed || !validAmount(*req.UsageLimit) || *req.UsageLimit < ent.AllowanceValue() {
			return nil, fmt.Errorf("%w: usage_limit needs usage_allowed and must cover the allowance", domain.ErrInvalidRequest)
		}
		ent.UsageLimit = req.UsageLimit
	}

	if linked := strings.TrimSpace(req.EntityFeatureID); linked != "" {
		if linked == featureID {
			return nil, fmt.Errorf("%w: entity_feature_id must name another feature", domain.ErrInvalidRequest)
		}
		if _, err := s.catalog.Get(ctx, linked); err != nil {
			return nil, err
		}
		ent.EntityFeatureID = &linked
	}

	if r := req.Rollover; r != nil {
		duration, err := entdomain.ParseInterval(strings.TrimSpace(r.Duration))
		if err != nil {
			return nil, err
		}
		if r.Max != nil && !validAmount(*r.Max) {
			return nil, fmt.Errorf("%w: rollover max %v", domain.ErrInvalidRequest, *r.Max)
		}
		if !interval.Resets() {
			return nil, fmt.Errorf("%w: rollover needs a reset interval", domain.ErrInvalidRequest)
		}
		ent.RolloverEnabled = true
		ent.RolloverMax = r.Max
		ent.RolloverDuration = duration
		ent.RolloverLength = r.Length
	}

	if err := s.repo.CreateEntitlement(ctx, s.db, ent); err != nil {
		return nil, err
	}
	s.log.Info("entitlement defined",
		zap.String("product_id", productID),
		zap.String("feature_id", featureID),
		zap.String("entitlement_id", ent.ID.String()),
	)
	return ent, nil
}

func (s *Service) ListEntitlements(ctx context.Context, productID string) ([]entdomain.Entitlement, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product_id is required", domain.ErrInvalidRequest)
	}
	return s.repo.ListEntitlementsByProduct(ctx, s.db, productID)
}

// HandleAttached seeds a customer entitlement for every template of the
// attached product. Entity-scoped templates start with a sub-balance for
// each entity the customer already has.
func (s *Service) HandleAttached(ctx context.Context, req domain.AttachRequest) (*domain.AttachResponse, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	productID := strings.TrimSpace(req.ProductID)
	if customerID == "" || productID == "" {
		return nil, fmt.Errorf("%w: customer_id and product_id are required", domain.ErrInvalidRequest)
	}
	quantity := req.Quantity
	switch {
	case quantity == 0:
		quantity = 1
	case quantity < 0:
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	for featureID, units := range req.Options {
		if !validAmount(units) {
			return nil, fmt.Errorf("%w: option %s", domain.ErrInvalidRequest, featureID)
		}
	}

	id := s.node.Generate()
	if raw := strings.TrimSpace(req.ID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: id %q", domain.ErrInvalidRequest, raw)
		}
		id = parsed
		existing, err := s.existing(ctx, customerID, id)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	var replaces *snowflake.ID
	if raw := strings.TrimSpace(req.Replaces); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: replaces %q", domain.ErrInvalidRequest, raw)
		}
		replaces = &parsed
	}

	templates, err := s.repo.ListEntitlementsByProduct(ctx, s.db, productID)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoEntitlements, productID)
	}
	continuous, err := s.continuousFeatures(ctx, templates)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	start := now
	if req.StartedAt != nil {
		start = req.StartedAt.UTC()
	}
	product := entdomain.CustomerProduct{
		ID:         id,
		CustomerID: customerID,
		ProductID:  productID,
		Status:     entdomain.CustomerProductStatusActive,
		Quantity:   quantity,
		Options:    datatypes.NewJSONType(lo.Assign(req.Options)),
		StartedAt:  start,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var rows []entdomain.CustomerEntitlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		carried := map[string]float64{}
		if replaces != nil {
			var err error
			carried, err = s.retire(ctx, tx, customerID, *replaces, continuous, now)
			if err != nil {
				return err
			}
		}
		if err := s.repo.CreateCustomerProduct(ctx, tx, &product); err != nil {
			return err
		}

		entities, err := s.repo.ListEntities(ctx, tx, customerID, "")
		if err != nil {
			return err
		}
		byFeature := lo.GroupBy(entities, func(e entdomain.Entity) string { return e.FeatureID })

		rows = make([]entdomain.CustomerEntitlement, 0, len(templates))
		for _, tmpl := range templates {
			row := s.seed(product, tmpl, req.Options[tmpl.FeatureID], start, now)
			if tmpl.EntityScoped() {
				balances := entdomain.EntityBalances{}
				for _, e := range byFeature[*tmpl.EntityFeatureID] {
					balances[e.EntityID] = entdomain.EntityBalance{Balance: tmpl.AllowanceValue()}
				}
				row.SetEntities(balances)
			} else if used, ok := carried[tmpl.FeatureID]; ok && !row.Unlimited {
				row.Balance -= used
				delete(carried, tmpl.FeatureID)
			}
			rows = append(rows, row)
		}
		return s.repo.CreateCustomerEntitlements(ctx, tx, rows)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.existing(ctx, customerID, id)
		}
		return nil, err
	}

	s.invalidate(ctx, customerID)
	ctxlogger.WithContext(ctx, s.log).Info("plan attached",
		zap.String("customer_id", customerID),
		zap.String("product_id", productID),
		zap.String("customer_product_id", id.String()),
		zap.Int("entitlements", len(rows)),
	)
	return &domain.AttachResponse{CustomerProduct: product, CustomerEntitlements: rows}, nil
}

// HandleDetached retires an attachment. Its balances stop being spendable
// immediately; the rows are kept for history.
func (s *Service) HandleDetached(ctx context.Context, req domain.DetachRequest) (*domain.DetachResponse, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(req.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: id %q", domain.ErrInvalidRequest, req.ID)
	}
	status := entdomain.CustomerProductStatus(strings.TrimSpace(req.Status))
	switch status {
	case "":
		status = entdomain.CustomerProductStatusExpired
	case entdomain.CustomerProductStatusExpired, entdomain.CustomerProductStatusScheduled:
	default:
		return nil, fmt.Errorf("%w: status %q", domain.ErrInvalidRequest, req.Status)
	}

	product, err := s.repo.FindCustomerProduct(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("%w: %s", entdomain.ErrCustomerProductMissing, id)
	}
	changed, err := s.repo.UpdateCustomerProductStatus(ctx, s.db, id, status, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.invalidate(ctx, product.CustomerID)
		ctxlogger.WithContext(ctx, s.log).Info("plan detached",
			zap.String("customer_id", product.CustomerID),
			zap.String("customer_product_id", id.String()),
			zap.String("status", string(status)),
		)
	}
	return &domain.DetachResponse{ID: id.String(), Status: string(status), Changed: changed}, nil
}

func (s *Service) existing(ctx context.Context, customerID string, id snowflake.ID) (*domain.AttachResponse, error) {
	product, err := s.repo.FindCustomerProduct(ctx, s.db, id)
	if err != nil || product == nil {
		return nil, err
	}
	if product.CustomerID != customerID {
		return nil, fmt.Errorf("%w: attachment %s belongs to another customer", domain.ErrInvalidRequest, id)
	}
	rows, err := s.repo.ListByCustomerProduct(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &domain.AttachResponse{CustomerProduct: *product, CustomerEntitlements: rows, Existing: true}, nil
}

// retire expires the replaced attachment and returns the usage of its
// continuous features, which moves to the new attachment.
func (s *Service) retire(ctx context.Context, tx *gorm.DB, customerID string, id snowflake.ID, continuous map[string]bool, now time.Time) (map[string]float64, error) {
	old, err := s.repo.FindCustomerProduct(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("%w: %s", entdomain.ErrCustomerProductMissing, id)
	}
	if old.CustomerID != customerID {
		return nil, fmt.Errorf("%w: attachment %s belongs to another customer", domain.ErrInvalidRequest, id)
	}
	if _, err := s.repo.UpdateCustomerProductStatus(ctx, tx, id, entdomain.CustomerProductStatusExpired, now); err != nil {
		return nil, err
	}

	rows, err := s.repo.ListByCustomerProduct(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	used := map[string]float64{}
	for _, row := range rows {
		if !continuous[row.FeatureID] || row.Unlimited {
			continue
		}
		if u := row.Granted - row.Balance; u > 0 {
			used[row.FeatureID] += u
		}
	}
	return used, nil
}

func (s *Service) continuousFeatures(ctx context.Context, templates []entdomain.Entitlement) (map[string]bool, error) {
	out := make(map[string]bool, len(templates))
	for _, tmpl := range templates {
		f, err := s.catalog.Get(ctx, tmpl.FeatureID)
		if err != nil {
			if errors.Is(err, featuredomain.ErrNotFound) {
				return nil, fmt.Errorf("%w: template %s references %s", featuredomain.ErrNotFound, tmpl.ID, tmpl.FeatureID)
			}
			return nil, err
		}
		out[tmpl.FeatureID] = f.Continuous()
	}
	return out, nil
}

func (s *Service) seed(product entdomain.CustomerProduct, tmpl entdomain.Entitlement, extra float64, start, now time.Time) entdomain.CustomerEntitlement {
	granted := tmpl.AllowanceValue()*float64(product.Quantity) + extra
	if tmpl.EntityScoped() {
		granted = 0
	}
	row := entdomain.CustomerEntitlement{
		ID:                s.node.Generate(),
		CustomerProductID: product.ID,
		CustomerID:        product.CustomerID,
		EntitlementID:     tmpl.ID,
		FeatureID:         tmpl.FeatureID,
		Granted:           granted,
		Balance:           granted,
		Unlimited:         tmpl.Unlimited(),
		UsageAllowed:      tmpl.UsageAllowed,
		Rollovers:         datatypes.JSONSlice[entdomain.Rollover]{},
		Version:           1,
		Revision:          s.node.Generate().Int64(),
		CreatedAt:         now,
		UpdatedAt:         now,
		Entitlement:       tmpl,
	}
	row.SetEntities(nil)
	if tmpl.Interval.Resets() {
		anchor := start
		// a backdated start resets at the first boundary after now
		next := tmpl.Interval.Next(anchor, tmpl.IntervalCount, now)
		row.ResetAnchor = &anchor
		row.NextResetAt = &next
	}
	return row
}

func (s *Service) invalidate(ctx context.Context, customerID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, customerID)
	}
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
