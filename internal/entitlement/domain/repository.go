package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ChangedRow is one entry of the customer entitlement change feed.
type ChangedRow struct {
	ID         snowflake.ID
	CustomerID string
	Version    int64
	Revision   int64
}

type Repository interface {
	CreateEntitlement(ctx context.Context, db *gorm.DB, ent *Entitlement) error
	ListEntitlementsByProduct(ctx context.Context, db *gorm.DB, productID string) ([]Entitlement, error)

	CreateCustomerProduct(ctx context.Context, db *gorm.DB, product *CustomerProduct) error
	FindCustomerProduct(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CustomerProduct, error)
	UpdateCustomerProductStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status CustomerProductStatus, at time.Time) (bool, error)

	CreateCustomerEntitlements(ctx context.Context, db *gorm.DB, items []CustomerEntitlement) error
	// ListActiveByCustomer returns the customer's spendable entitlements with
	// their templates hydrated, ordered by id.
	ListActiveByCustomer(ctx context.Context, db *gorm.DB, customerID string) ([]CustomerEntitlement, error)
	// LockByIDs loads rows by id in ascending order, taking row locks where
	// the database supports them. Rows of inactive customer products are skipped.
	LockByIDs(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) ([]CustomerEntitlement, error)
	// LockByCustomer locks every spendable row of the customer in id order.
	LockByCustomer(ctx context.Context, tx *gorm.DB, customerID string) ([]CustomerEntitlement, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]CustomerEntitlement, error)
	// SaveBalance writes the mutable balance and reset columns when the stored
	// version still equals expectedVersion. Every mutation bumps the version,
	// so this also guards next_reset_at against a concurrent reset.
	SaveBalance(ctx context.Context, db *gorm.DB, row *CustomerEntitlement, expectedVersion int64) (bool, error)
	// ApplyVersioned writes the row only when its stored version is lower
	// than row.Version.
	ApplyVersioned(ctx context.Context, db *gorm.DB, row *CustomerEntitlement) (bool, error)
	ListModifiedSince(ctx context.Context, db *gorm.DB, revision int64, limit int) ([]ChangedRow, error)
	MaxRevision(ctx context.Context, db *gorm.DB) (int64, error)
	CountByFeature(ctx context.Context, db *gorm.DB, featureID string) (int64, error)
	ListByCustomerProduct(ctx context.Context, db *gorm.DB, customerProductID snowflake.ID) ([]CustomerEntitlement, error)

	CreateEntity(ctx context.Context, db *gorm.DB, entity *Entity) error
	ListEntities(ctx context.Context, db *gorm.DB, customerID, featureID string) ([]Entity, error)
	FindEntity(ctx context.Context, db *gorm.DB, customerID, entityID string) (*Entity, error)
	DeleteEntity(ctx context.Context, db *gorm.DB, customerID, entityID string) (bool, error)

	FindIdempotency(ctx context.Context, db *gorm.DB, customerID, key string) (*IdempotencyRecord, error)
	// InsertIdempotency reports false when the key was already recorded.
	InsertIdempotency(ctx context.Context, db *gorm.DB, record *IdempotencyRecord) (bool, error)
}
