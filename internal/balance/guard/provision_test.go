package guard

import (
	"context"
	"errors"
	gosync "sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/balance/reset"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/entitlement/repository"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	featurerepo "github.com/smallbiznis/metergate/internal/feature/repository"
	featureservice "github.com/smallbiznis/metergate/internal/feature/service"
	"github.com/smallbiznis/metergate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	guard *Guard
	prov  *Provisioner
	seats entdomain.CustomerEntitlement
	creds entdomain.CustomerEntitlement
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(t0)
	repo := repository.Provide()

	for _, id := range []string{"seats", "credits", "projects"} {
		testutil.SeedFeature(t, conn, featuredomain.Feature{ID: id, UsageType: featuredomain.UsageTypeContinuous})
	}
	testutil.SeedFeature(t, conn, featuredomain.Feature{ID: "sso", Type: featuredomain.FeatureTypeBoolean})

	next := t0.AddDate(0, 1, 0)
	f := &fixture{
		db:    conn,
		node:  node,
		guard: newGuard(t, true),
		seats: testutil.SeedGrant(t, conn, node, testutil.Grant{
			CustomerID: "cus_1",
			FeatureID:  "seats",
			Allowance:  testutil.Float(3),
		}),
		creds: testutil.SeedGrant(t, conn, node, testutil.Grant{
			CustomerID:      "cus_1",
			FeatureID:       "credits",
			Allowance:       testutil.Float(100),
			Interval:        entdomain.IntervalMonth,
			NextResetAt:     &next,
			EntityFeatureID: "seats",
		}),
	}
	mgr := reset.NewManager(reset.Params{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: repo, Node: node})
	f.prov = NewProvisioner(ProvisionerParams{
		DB:      conn,
		Log:     zap.NewNop(),
		Clock:   clk,
		Repo:    repo,
		Node:    node,
		Guard:   f.guard,
		Catalog: featureservice.NewCatalog(conn, zap.NewNop(), featurerepo.Provide(), config.Config{}),
		Durable: durable.NewExecutor(durable.Params{
			DB:     conn,
			Log:    zap.NewNop(),
			Clock:  clk,
			Repo:   repo,
			Reset:  mgr,
			Node:   node,
			Policy: config.NewStaticBalancePolicyHolder(config.DefaultBalancePolicy()),
		}),
	})
	return f
}

func inputs(ids ...string) []EntityInput {
	out := make([]EntityInput, 0, len(ids))
	for _, id := range ids {
		out = append(out, EntityInput{ID: id, Name: "user " + id})
	}
	return out
}

func TestCreateEntitiesTakesSeatsAndSeedsLinkedBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1", "u2"))
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "u1", created[0].EntityID)
	assert.Equal(t, "seats", created[0].FeatureID)

	seats := testutil.LoadRow(t, f.db, f.seats.ID)
	assert.InDelta(t, 1, seats.Balance, 1e-9)
	assert.EqualValues(t, 2, seats.Version)

	creds := testutil.LoadRow(t, f.db, f.creds.ID)
	entities := creds.EntityMap()
	require.Len(t, entities, 2)
	assert.InDelta(t, 100, entities["u1"].Balance, 1e-9)
	assert.InDelta(t, 100, entities["u2"].Balance, 1e-9)
	assert.EqualValues(t, 2, creds.Version)
}

func TestCreateEntitiesRejectsWhenSeatsRunOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1", "u2"))
	require.NoError(t, err)

	_, err = f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u3", "u4"))
	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.InDelta(t, 1, insufficient.Shortfall(), 1e-9)

	// nothing from the failed batch is kept
	var count int64
	require.NoError(t, f.db.Model(&entdomain.Entity{}).Where("customer_id = ?", "cus_1").Count(&count).Error)
	assert.EqualValues(t, 2, count)
	assert.InDelta(t, 1, testutil.LoadRow(t, f.db, f.seats.ID).Balance, 1e-9)
	assert.Len(t, testutil.LoadRow(t, f.db, f.creds.ID).EntityMap(), 2)
}

func TestCreateEntitiesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1"))
	require.NoError(t, err)

	_, err = f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1"))
	assert.ErrorIs(t, err, entdomain.ErrEntityExists)

	_, err = f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u2", "u2"))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.prov.CreateEntities(ctx, "cus_1", "nope", inputs("u3"))
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)

	_, err = f.prov.CreateEntities(ctx, "cus_1", "sso", inputs("u3"))
	assert.ErrorIs(t, err, domain.ErrInvalidFeatureType)
}

func TestDeleteEntityReturnsSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1", "u2"))
	require.NoError(t, err)

	deleted, err := f.prov.DeleteEntity(ctx, "cus_1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", deleted.EntityID)

	assert.InDelta(t, 2, testutil.LoadRow(t, f.db, f.seats.ID).Balance, 1e-9)
	entities := testutil.LoadRow(t, f.db, f.creds.ID).EntityMap()
	assert.NotContains(t, entities, "u1")
	assert.Contains(t, entities, "u2")

	_, err = f.prov.DeleteEntity(ctx, "cus_1", "u1")
	assert.ErrorIs(t, err, entdomain.ErrEntityNotFound)
}

func TestCreateEntitiesConflictsWhileSeatLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.guard.Acquire(ctx, []string{f.seats.ID.String()})
	require.NoError(t, err)

	_, err = f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1"))
	assert.ErrorIs(t, err, domain.ErrTryAgain)
	assert.True(t, domain.IsTryAgain(err))

	release()
	_, err = f.prov.CreateEntities(ctx, "cus_1", "seats", inputs("u1"))
	require.NoError(t, err)
}

func TestCreateEntitiesWithoutSharedCapacitySkipsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// nothing caps projects, so concurrent creation must all succeed
	var (
		wg   gosync.WaitGroup
		mu   gosync.Mutex
		errs []error
	)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.prov.CreateEntities(ctx, "cus_1", "projects", inputs(id))
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Empty(t, errs)

	var count int64
	require.NoError(t, f.db.Model(&entdomain.Entity{}).Where("feature_id = ?", "projects").Count(&count).Error)
	assert.EqualValues(t, 4, count)
}

func TestConcurrentSeatCreationIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg        gosync.WaitGroup
		mu        gosync.Mutex
		succeeded int
	)
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.prov.CreateEntities(ctx, "cus_1", "seats", inputs(id))
			var insufficient *domain.InsufficientBalanceError
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, domain.ErrTryAgain), errors.As(err, &insufficient):
			default:
				t.Errorf("unexpected error for %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	seats := testutil.LoadRow(t, f.db, f.seats.ID)
	assert.LessOrEqual(t, succeeded, 3)
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.InDelta(t, float64(3-succeeded), seats.Balance, 1e-9)
	assert.GreaterOrEqual(t, seats.Balance, 0.0)
}
