package repository

import (
	"context"

	"github.com/smallbiznis/metergate/internal/feature/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return db.WithContext(ctx).Create(feature).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Feature, error) {
	var items []domain.Feature
	err := db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("id = ?", id).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListRequest) ([]domain.Feature, error) {
	var items []domain.Feature
	stmt := db.WithContext(ctx).Model(&domain.Feature{})

	if !filter.IncludeArchived {
		stmt = stmt.Where("archived = ?", false)
	}
	if filter.FeatureType != nil {
		stmt = stmt.Where("feature_type = ?", *filter.FeatureType)
	}

	if err := stmt.Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Feature
	err := db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	if feature == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("id = ?", feature.ID).
		Updates(map[string]any{
			"name":          feature.Name,
			"feature_type":  feature.Type,
			"usage_type":    feature.UsageType,
			"event_names":   feature.EventNames,
			"credit_schema": feature.CreditSchema,
			"archived":      feature.Archived,
			"updated_at":    feature.UpdatedAt,
		}).Error
}
