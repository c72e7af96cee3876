package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateEntitlement(ctx context.Context, conn *gorm.DB, ent *domain.Entitlement) error {
	return conn.WithContext(ctx).Create(ent).Error
}

func (r *repo) ListEntitlementsByProduct(ctx context.Context, conn *gorm.DB, productID string) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := conn.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) CreateCustomerProduct(ctx context.Context, conn *gorm.DB, product *domain.CustomerProduct) error {
	return conn.WithContext(ctx).Create(product).Error
}

func (r *repo) FindCustomerProduct(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.CustomerProduct, error) {
	var items []domain.CustomerProduct
	if err := conn.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) UpdateCustomerProductStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, status domain.CustomerProductStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     status,
		"updated_at": at,
	}
	if status == domain.CustomerProductStatusExpired {
		updates["ended_at"] = at
	}
	res := conn.WithContext(ctx).
		Model(&domain.CustomerProduct{}).
		Where("id = ? AND status <> ?", id, status).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CreateCustomerEntitlements(ctx context.Context, conn *gorm.DB, items []domain.CustomerEntitlement) error {
	if len(items) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Create(&items).Error
}

func (r *repo) ListActiveByCustomer(ctx context.Context, conn *gorm.DB, customerID string) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := conn.WithContext(ctx).
		Table("customer_entitlements AS ce").
		Select("ce.*").
		Joins("JOIN customer_products cp ON cp.id = ce.customer_product_id").
		Where("ce.customer_id = ? AND cp.status IN ?", customerID, domain.ActiveStatuses).
		Order("ce.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, r.hydrate(ctx, conn, rows)
}

func (r *repo) LockByIDs(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) ([]domain.CustomerEntitlement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = lo.Uniq(ids)

	var rows []domain.CustomerEntitlement
	stmt := db.ForUpdate(tx.WithContext(ctx)).
		Where("id IN ?", ids).
		Where("customer_product_id IN (?)",
			tx.Model(&domain.CustomerProduct{}).Select("id").Where("status IN ?", domain.ActiveStatuses),
		).
		Order("id ASC")
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, r.hydrate(ctx, tx, rows)
}

func (r *repo) LockByCustomer(ctx context.Context, tx *gorm.DB, customerID string) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	stmt := db.ForUpdate(tx.WithContext(ctx)).
		Where("customer_id = ?", customerID).
		Where("customer_product_id IN (?)",
			tx.Model(&domain.CustomerProduct{}).Select("id").Where("status IN ?", domain.ActiveStatuses),
		).
		Order("id ASC")
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, r.hydrate(ctx, tx, rows)
}

func (r *repo) FindByIDs(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) ([]domain.CustomerEntitlement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []domain.CustomerEntitlement
	err := conn.WithContext(ctx).
		Where("id IN ?", lo.Uniq(ids)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, r.hydrate(ctx, conn, rows)
}

func (r *repo) SaveBalance(ctx context.Context, conn *gorm.DB, row *domain.CustomerEntitlement, expectedVersion int64) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Where("id = ? AND version = ?", row.ID, expectedVersion).
		Updates(balanceColumns(row))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ApplyVersioned(ctx context.Context, conn *gorm.DB, row *domain.CustomerEntitlement) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Where("id = ? AND version < ?", row.ID, row.Version).
		Updates(balanceColumns(row))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListModifiedSince(ctx context.Context, conn *gorm.DB, revision int64, limit int) ([]domain.ChangedRow, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []domain.ChangedRow
	err := conn.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Select("id, customer_id, version, revision").
		Where("revision > ?", revision).
		Order("revision ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

func (r *repo) MaxRevision(ctx context.Context, conn *gorm.DB) (int64, error) {
	var max int64
	row := conn.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Select("COALESCE(MAX(revision), 0)").
		Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (r *repo) CountByFeature(ctx context.Context, conn *gorm.DB, featureID string) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Where("feature_id = ?", featureID).
		Count(&count).Error
	return count, err
}

func (r *repo) ListByCustomerProduct(ctx context.Context, conn *gorm.DB, customerProductID snowflake.ID) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := conn.WithContext(ctx).
		Where("customer_product_id = ?", customerProductID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, r.hydrate(ctx, conn, rows)
}

func (r *repo) CreateEntity(ctx context.Context, conn *gorm.DB, entity *domain.Entity) error {
	err := conn.WithContext(ctx).Create(entity).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrEntityExists
	}
	return err
}

func (r *repo) ListEntities(ctx context.Context, conn *gorm.DB, customerID, featureID string) ([]domain.Entity, error) {
	var items []domain.Entity
	stmt := conn.WithContext(ctx).Where("customer_id = ?", customerID)
	if featureID != "" {
		stmt = stmt.Where("feature_id = ?", featureID)
	}
	err := stmt.Order("entity_id ASC").Find(&items).Error
	return items, err
}

func (r *repo) FindEntity(ctx context.Context, conn *gorm.DB, customerID, entityID string) (*domain.Entity, error) {
	var items []domain.Entity
	err := conn.WithContext(ctx).
		Where("customer_id = ? AND entity_id = ?", customerID, entityID).
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

func (r *repo) DeleteEntity(ctx context.Context, conn *gorm.DB, customerID, entityID string) (bool, error) {
	res := conn.WithContext(ctx).
		Where("customer_id = ? AND entity_id = ?", customerID, entityID).
		Delete(&domain.Entity{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindIdempotency(ctx context.Context, conn *gorm.DB, customerID, key string) (*domain.IdempotencyRecord, error) {
	var items []domain.IdempotencyRecord
	err := conn.WithContext(ctx).
		Where("customer_id = ? AND idempotency_key = ?", customerID, key).
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

func (r *repo) InsertIdempotency(ctx context.Context, conn *gorm.DB, record *domain.IdempotencyRecord) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// hydrate attaches each row's entitlement template.
func (r *repo) hydrate(ctx context.Context, conn *gorm.DB, rows []domain.CustomerEntitlement) error {
	if len(rows) == 0 {
		return nil
	}
	ids := lo.Uniq(lo.Map(rows, func(row domain.CustomerEntitlement, _ int) snowflake.ID {
		return row.EntitlementID
	}))

	var templates []domain.Entitlement
	if err := conn.WithContext(ctx).Where("id IN ?", ids).Find(&templates).Error; err != nil {
		return err
	}
	byID := lo.KeyBy(templates, func(e domain.Entitlement) snowflake.ID { return e.ID })
	for i := range rows {
		if tmpl, ok := byID[rows[i].EntitlementID]; ok {
			rows[i].Entitlement = tmpl
		}
	}
	return nil
}

func balanceColumns(row *domain.CustomerEntitlement) map[string]any {
	return map[string]any{
		"balance":            row.Balance,
		"additional_balance": row.AdditionalBalance,
		"reset_anchor":       row.ResetAnchor,
		"next_reset_at":      row.NextResetAt,
		"rollovers":          row.Rollovers,
		"entities":           row.Entities,
		"version":            row.Version,
		"revision":           row.Revision,
		"updated_at":         row.UpdatedAt,
	}
}

// UsageChecker adapts the repository to the feature service's in-use guard.
type UsageChecker struct {
	DB   *gorm.DB
	Repo domain.Repository
}

func (u UsageChecker) CountCustomerEntitlementsByFeature(ctx context.Context, featureID string) (int64, error) {
	return u.Repo.CountByFeature(ctx, u.DB, featureID)
}
