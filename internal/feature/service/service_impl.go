package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    domain.Repository
	Catalog domain.Catalog      `optional:"true"`
	Usage   domain.UsageChecker `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    domain.Repository
	catalog domain.Catalog
	usage   domain.UsageChecker
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("feature.service"),
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
		usage:   p.Usage,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Response, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, domain.ErrInvalidID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id
	}

	featureType, err := normalizeFeatureType(req.FeatureType)
	if err != nil {
		return nil, err
	}
	usageType, err := normalizeUsageType(featureType, req.UsageType)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrAlreadyExists
	}

	now := s.clock.Now()
	record := &domain.Feature{
		ID:         id,
		Name:       name,
		Type:       featureType,
		UsageType:  usageType,
		EventNames: normalizeEventNames(req.EventNames),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if featureType == domain.FeatureTypeCreditSystem {
		schema, err := s.validateCreditSchema(ctx, id, req.CreditSchema)
		if err != nil {
			return nil, err
		}
		record.CreditSchema = schema
	}

	if err := s.repo.Create(ctx, s.db, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, err
	}
	s.invalidate()

	s.log.Info("feature created", zap.String("feature_id", id), zap.String("type", string(featureType)))
	resp := toResponse(record)
	return &resp, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Response, error) {
	item, err := s.repo.FindByID(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	resp := toResponse(item)
	return &resp, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Response, error) {
	items, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return nil, err
	}
	resp := make([]domain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

// Update edits a feature. The feature type and credit schema are frozen once
// any customer holds the feature, since existing balances were granted under them.
func (s *Service) Update(ctx context.Context, req domain.UpdateRequest) (*domain.Response, error) {
	item, err := s.repo.FindByID(ctx, s.db, strings.TrimSpace(req.ID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}

	structural := req.FeatureType != nil || req.UsageType != nil || req.CreditSchema != nil
	if structural {
		inUse, err := s.inUse(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, domain.ErrFeatureInUse
		}
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		item.Name = name
	}
	if req.FeatureType != nil {
		featureType, err := normalizeFeatureType(*req.FeatureType)
		if err != nil {
			return nil, err
		}
		item.Type = featureType
	}
	if req.UsageType != nil || req.FeatureType != nil {
		requested := item.UsageType
		if req.UsageType != nil {
			requested = *req.UsageType
		}
		usageType, err := normalizeUsageType(item.Type, requested)
		if err != nil {
			return nil, err
		}
		item.UsageType = usageType
	}
	if req.EventNames != nil {
		item.EventNames = normalizeEventNames(*req.EventNames)
	}
	if item.Type == domain.FeatureTypeCreditSystem {
		schema := []domain.CreditSchemaItem(item.CreditSchema)
		if req.CreditSchema != nil {
			schema = *req.CreditSchema
		}
		validated, err := s.validateCreditSchema(ctx, item.ID, schema)
		if err != nil {
			return nil, err
		}
		item.CreditSchema = validated
	} else {
		item.CreditSchema = nil
	}

	item.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, item); err != nil {
		return nil, err
	}
	s.invalidate()

	resp := toResponse(item)
	return &resp, nil
}

func (s *Service) Archive(ctx context.Context, id string) (*domain.Response, error) {
	item, err := s.repo.FindByID(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}

	item.Archived = true
	item.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, item); err != nil {
		return nil, err
	}
	s.invalidate()

	resp := toResponse(item)
	return &resp, nil
}

func (s *Service) inUse(ctx context.Context, featureID string) (bool, error) {
	if s.usage == nil {
		return false, nil
	}
	count, err := s.usage.CountCustomerEntitlementsByFeature(ctx, featureID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) validateCreditSchema(ctx context.Context, selfID string, schema []domain.CreditSchemaItem) ([]domain.CreditSchemaItem, error) {
	if len(schema) == 0 {
		return nil, domain.ErrInvalidCreditSchema
	}

	seen := make(map[string]struct{}, len(schema))
	ids := make([]string, 0, len(schema))
	out := make([]domain.CreditSchemaItem, 0, len(schema))
	for _, item := range schema {
		featureID := strings.TrimSpace(item.FeatureID)
		if featureID == "" || featureID == selfID {
			return nil, domain.ErrInvalidCreditSchema
		}
		if item.CreditCost <= 0 || math.IsNaN(item.CreditCost) || math.IsInf(item.CreditCost, 0) {
			return nil, domain.ErrInvalidCreditSchema
		}
		if _, dup := seen[featureID]; dup {
			return nil, domain.ErrInvalidCreditSchema
		}
		seen[featureID] = struct{}{}
		ids = append(ids, featureID)
		out = append(out, domain.CreditSchemaItem{FeatureID: featureID, CreditCost: item.CreditCost})
	}

	underlying, err := s.repo.ListByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	if len(underlying) != len(ids) {
		return nil, errors.Join(domain.ErrInvalidCreditSchema, domain.ErrNotFound)
	}
	for _, f := range underlying {
		if f.Type != domain.FeatureTypeMetered {
			return nil, domain.ErrInvalidCreditSchema
		}
	}
	return out, nil
}

func (s *Service) invalidate() {
	if s.catalog != nil {
		s.catalog.Invalidate()
	}
}

func toResponse(f *domain.Feature) domain.Response {
	return domain.Response{
		ID:           f.ID,
		Name:         f.Name,
		FeatureType:  f.Type,
		UsageType:    f.UsageType,
		EventNames:   append([]string{}, f.EventNames...),
		CreditSchema: append([]domain.CreditSchemaItem(nil), f.CreditSchema...),
		Archived:     f.Archived,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

func normalizeFeatureType(value domain.FeatureType) (domain.FeatureType, error) {
	switch strings.ToLower(strings.TrimSpace(string(value))) {
	case string(domain.FeatureTypeBoolean):
		return domain.FeatureTypeBoolean, nil
	case string(domain.FeatureTypeMetered):
		return domain.FeatureTypeMetered, nil
	case string(domain.FeatureTypeCreditSystem):
		return domain.FeatureTypeCreditSystem, nil
	default:
		return "", domain.ErrInvalidType
	}
}

func normalizeUsageType(featureType domain.FeatureType, value domain.UsageType) (domain.UsageType, error) {
	if featureType != domain.FeatureTypeMetered {
		return "", nil
	}
	switch strings.ToLower(strings.TrimSpace(string(value))) {
	case "", string(domain.UsageTypeSingle):
		return domain.UsageTypeSingle, nil
	case string(domain.UsageTypeContinuous):
		return domain.UsageTypeContinuous, nil
	default:
		return "", domain.ErrInvalidUsageType
	}
}

func normalizeEventNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

var _ domain.Service = (*Service)(nil)
