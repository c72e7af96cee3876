package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Feature, error)
	List(ctx context.Context, db *gorm.DB, filter ListRequest) ([]Feature, error)
	ListByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]Feature, error)
	Update(ctx context.Context, db *gorm.DB, feature *Feature) error
}
