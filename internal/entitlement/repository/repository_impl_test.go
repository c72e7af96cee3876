package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestListActiveByCustomerSkipsExpiredProducts(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	live := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(100)})
	gone := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "tokens", Allowance: testutil.Float(5)})
	testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_2", FeatureID: "messages", Allowance: testutil.Float(1)})

	changed, err := repo.UpdateCustomerProductStatus(ctx, conn, gone.CustomerProductID, domain.CustomerProductStatusExpired, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, changed)

	rows, err := repo.ListActiveByCustomer(ctx, conn, "cus_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, live.ID, rows[0].ID)
	assert.Equal(t, live.EntitlementID, rows[0].Entitlement.ID, "rows come back with their template")
	assert.Equal(t, 100.0, rows[0].Entitlement.AllowanceValue())

	product, err := repo.FindCustomerProduct(ctx, conn, gone.CustomerProductID)
	require.NoError(t, err)
	require.NotNil(t, product.EndedAt)
	assert.False(t, product.Active())
}

func TestUpdateCustomerProductStatusIsIdempotent(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	row := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(1)})

	changed, err := repo.UpdateCustomerProductStatus(ctx, conn, row.CustomerProductID, domain.CustomerProductStatusActive, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)

	missing, err := repo.FindCustomerProduct(ctx, conn, node.Generate())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLockByCustomerTakesOnlyLiveRows(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	first := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(100)})
	second := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "tokens", Allowance: testutil.Float(5)})
	gone := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "seats", Allowance: testutil.Float(5)})
	testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_2", FeatureID: "messages", Allowance: testutil.Float(1)})

	_, err := repo.UpdateCustomerProductStatus(ctx, conn, gone.CustomerProductID, domain.CustomerProductStatusExpired, time.Now().UTC())
	require.NoError(t, err)

	var rows []domain.CustomerEntitlement
	err = conn.Transaction(func(tx *gorm.DB) error {
		var err error
		rows, err = repo.LockByCustomer(ctx, tx, "cus_1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID)
	assert.Equal(t, second.ID, rows[1].ID)
	assert.Equal(t, "tokens", rows[1].Entitlement.FeatureID)
}

func TestSaveBalanceIsFencedByVersion(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	row := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(100)})

	row.Balance = 60
	row.Version = 2
	ok, err := repo.SaveBalance(ctx, conn, &row, 1)
	require.NoError(t, err)
	require.True(t, ok)

	row.Balance = 10
	row.Version = 3
	ok, err = repo.SaveBalance(ctx, conn, &row, 1)
	require.NoError(t, err)
	assert.False(t, ok, "a stale expected version must not write")

	stored := testutil.LoadRow(t, conn, row.ID)
	assert.Equal(t, 60.0, stored.Balance)
	assert.Equal(t, int64(2), stored.Version)
}

func TestApplyVersionedOnlyMovesForward(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	row := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(100)})

	newer := row
	newer.Balance = 70
	newer.Version = 4
	ok, err := repo.ApplyVersioned(ctx, conn, &newer)
	require.NoError(t, err)
	require.True(t, ok)

	replay := newer
	ok, err = repo.ApplyVersioned(ctx, conn, &replay)
	require.NoError(t, err)
	assert.False(t, ok, "the same version twice is a no-op")

	older := row
	older.Balance = 90
	older.Version = 3
	ok, err = repo.ApplyVersioned(ctx, conn, &older)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 70.0, testutil.LoadRow(t, conn, row.ID).Balance)
}

func TestListModifiedSinceFollowsRevision(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	first := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(1)})
	second := testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_2", FeatureID: "messages", Allowance: testutil.Float(1)})

	max, err := repo.MaxRevision(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, second.Revision, max)

	changed, err := repo.ListModifiedSince(ctx, conn, first.Revision, 10)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, second.ID, changed[0].ID)
	assert.Equal(t, "cus_2", changed[0].CustomerID)

	changed, err = repo.ListModifiedSince(ctx, conn, max, 10)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestEntityLifecycle(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	entity := &domain.Entity{ID: node.Generate(), CustomerID: "cus_1", EntityID: "u1", FeatureID: "seats", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateEntity(ctx, conn, entity))

	dup := &domain.Entity{ID: node.Generate(), CustomerID: "cus_1", EntityID: "u1", FeatureID: "seats", CreatedAt: time.Now().UTC()}
	assert.ErrorIs(t, repo.CreateEntity(ctx, conn, dup), domain.ErrEntityExists)

	other := &domain.Entity{ID: node.Generate(), CustomerID: "cus_2", EntityID: "u1", FeatureID: "seats", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateEntity(ctx, conn, other), "entity ids are scoped per customer")

	items, err := repo.ListEntities(ctx, conn, "cus_1", "seats")
	require.NoError(t, err)
	require.Len(t, items, 1)

	found, err := repo.FindEntity(ctx, conn, "cus_1", "u1")
	require.NoError(t, err)
	require.NotNil(t, found)

	deleted, err := repo.DeleteEntity(ctx, conn, "cus_1", "u1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteEntity(ctx, conn, "cus_1", "u1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestInsertIdempotencyKeepsFirstResult(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	repo := Provide()
	ctx := context.Background()

	first := &domain.IdempotencyRecord{ID: node.Generate(), CustomerID: "cus_1", IdempotencyKey: "evt_1", Result: datatypes.JSON(`{"balance":1}`), CreatedAt: time.Now().UTC()}
	inserted, err := repo.InsertIdempotency(ctx, conn, first)
	require.NoError(t, err)
	require.True(t, inserted)

	second := &domain.IdempotencyRecord{ID: node.Generate(), CustomerID: "cus_1", IdempotencyKey: "evt_1", Result: datatypes.JSON(`{"balance":2}`), CreatedAt: time.Now().UTC()}
	inserted, err = repo.InsertIdempotency(ctx, conn, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := repo.FindIdempotency(ctx, conn, "cus_1", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.JSONEq(t, `{"balance":1}`, string(stored.Result))

	none, err := repo.FindIdempotency(ctx, conn, "cus_2", "evt_1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUsageCheckerCountsByFeature(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)

	testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_1", FeatureID: "messages", Allowance: testutil.Float(1)})
	testutil.SeedGrant(t, conn, node, testutil.Grant{CustomerID: "cus_2", FeatureID: "messages", Allowance: testutil.Float(1)})

	checker := UsageChecker{DB: conn, Repo: Provide()}
	count, err := checker.CountCustomerEntitlementsByFeature(context.Background(), "messages")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
