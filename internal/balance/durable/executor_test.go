package durable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/reset"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/entitlement/repository"
	"github.com/smallbiznis/metergate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	exec  *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(now)
	repo := repository.Provide()
	mgr := reset.NewManager(reset.Params{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: repo, Node: node})
	return &harness{
		db:    conn,
		node:  node,
		clock: clk,
		exec: NewExecutor(Params{
			DB:     conn,
			Log:    zap.NewNop(),
			Clock:  clk,
			Repo:   repo,
			Reset:  mgr,
			Node:   node,
			Policy: config.NewStaticBalancePolicyHolder(config.DefaultBalancePolicy()),
		}),
	}
}

func (h *harness) grant(t *testing.T, featureID string, allowance float64) entdomain.CustomerEntitlement {
	t.Helper()
	next := now.AddDate(0, 1, 0)
	return testutil.SeedGrant(t, h.db, h.node, testutil.Grant{
		CustomerID:  "cus_1",
		FeatureID:   featureID,
		Allowance:   testutil.Float(allowance),
		Interval:    entdomain.IntervalMonth,
		NextResetAt: &next,
	})
}

func deduction(row entdomain.CustomerEntitlement, amount float64) domain.FeatureDeduction {
	return domain.FeatureDeduction{
		FeatureID: row.FeatureID,
		Amount:    amount,
		Targets:   []string{row.ID.String()},
	}
}

func TestExecuteRepeatedFractionalDeductions(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.exec.Execute(ctx, Commit{
			CustomerID: "cus_1",
			Deductions: []domain.FeatureDeduction{deduction(row, 27.35)},
			Policy:     domain.OverageCap,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.PathDurable, res.Path)
		require.Len(t, res.States, 1)
		assert.Equal(t, int64(i+2), res.States[0].Version)
	}

	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 45.30, stored.Balance, domain.Epsilon)
	assert.Equal(t, int64(3), stored.Version)
	assert.Greater(t, stored.Revision, row.Revision)
}

func TestExecuteIdempotencyReplays(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 10)
	ctx := context.Background()

	commit := Commit{
		CustomerID:     "cus_1",
		Deductions:     []domain.FeatureDeduction{deduction(row, 4)},
		Policy:         domain.OverageCap,
		IdempotencyKey: "req-1",
	}
	first, err := h.exec.Execute(ctx, commit)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.exec.Execute(ctx, commit)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Applied, second.Applied)
	assert.Equal(t, first.States[0].Balance, second.States[0].Balance)

	assert.Equal(t, 6.0, testutil.LoadRow(t, h.db, row.ID).Balance)
}

func TestExecuteIdempotentBatchIsAtomic(t *testing.T) {
	h := newHarness(t)
	a := h.grant(t, "feature_a", 50)
	b := h.grant(t, "feature_b", 5)

	_, err := h.exec.Execute(context.Background(), Commit{
		CustomerID:     "cus_1",
		Deductions:     []domain.FeatureDeduction{deduction(a, 20), deduction(b, 10)},
		Policy:         domain.OverageCap,
		IdempotencyKey: "req-2",
	})

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "feature_b", insufficient.FeatureID)
	assert.Equal(t, 50.0, testutil.LoadRow(t, h.db, a.ID).Balance)

	var count int64
	require.NoError(t, h.db.Model(&entdomain.IdempotencyRecord{}).Count(&count).Error)
	assert.Zero(t, count, "a rejected request leaves its key unused")
}

func TestExecuteWithoutKeySurfacesPartialApplication(t *testing.T) {
	h := newHarness(t)
	a := h.grant(t, "feature_a", 50)
	b := h.grant(t, "feature_b", 5)

	_, err := h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(a, 20), deduction(b, 10)},
		Policy:     domain.OverageCap,
	})

	var partial *domain.PartialApplicationError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 20.0, partial.Applied.Applied["feature_a"])
	var insufficient *domain.InsufficientBalanceError
	assert.True(t, errors.As(err, &insufficient))

	assert.Equal(t, 30.0, testutil.LoadRow(t, h.db, a.ID).Balance)
	assert.Equal(t, 5.0, testutil.LoadRow(t, h.db, b.ID).Balance)
}

func TestExecuteAppliesDueResetFirst(t *testing.T) {
	h := newHarness(t)
	past := now.Add(-time.Hour)
	row := testutil.SeedGrant(t, h.db, h.node, testutil.Grant{
		CustomerID:  "cus_1",
		FeatureID:   "messages",
		Allowance:   testutil.Float(100),
		Balance:     testutil.Float(0),
		Interval:    entdomain.IntervalMonth,
		NextResetAt: &past,
	})

	res, err := h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 30)},
		Policy:     domain.OverageCap,
	})
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.States[0].Balance)

	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.Equal(t, 70.0, stored.Balance)
	assert.Equal(t, int64(2), stored.Version, "reset and deduction are one write")
	assert.True(t, stored.NextResetAt.After(now))
}

type fakeHandoff struct {
	mu       sync.Mutex
	cached   map[string]*domain.BalanceState
	takes    int
	released [][]domain.BalanceState
}

func (f *fakeHandoff) Take(_ context.Context, _ string) (map[string]*domain.BalanceState, func([]domain.BalanceState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takes++
	cached := f.cached
	f.cached = nil
	return cached, func(committed []domain.BalanceState) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released = append(f.released, committed)
	}
}

func withHandoff(h *harness, f *fakeHandoff) {
	h.exec.handoff = f
}

func TestExecuteAbsorbsHandedOverCacheState(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	other := h.grant(t, "tokens", 5)
	cached := domain.FromCustomerEntitlement(&row)
	cached.Balance = 60
	cached.Version = 4
	spent := domain.FromCustomerEntitlement(&other)
	spent.Balance = 2
	spent.Version = 3

	f := &fakeHandoff{cached: map[string]*domain.BalanceState{cached.ID: cached, spent.ID: spent}}
	withHandoff(h, f)

	res, err := h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 10)},
		Policy:     domain.OverageCap,
	})
	require.NoError(t, err)
	require.Len(t, res.States, 2)
	assert.Equal(t, 50.0, res.States[0].Balance)
	assert.Equal(t, int64(5), res.States[0].Version, "written past the cached version")
	assert.ElementsMatch(t, []string{row.ID.String(), other.ID.String()}, res.Touched)

	// a row the deduction did not target still keeps what the cache spent
	stored := testutil.LoadRow(t, h.db, other.ID)
	assert.Equal(t, 2.0, stored.Balance)
	assert.Equal(t, int64(4), stored.Version)

	require.Equal(t, 1, f.takes)
	require.Len(t, f.released, 1)
	assert.Equal(t, res.States, f.released[0], "the cache gets the committed rows back")
}

func TestExecuteIgnoresOlderCacheState(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	_, err := h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 10)},
		Policy:     domain.OverageCap,
	})
	require.NoError(t, err)

	stale := domain.FromCustomerEntitlement(&row)
	stale.Balance = 1
	stale.Version = 2
	withHandoff(h, &fakeHandoff{cached: map[string]*domain.BalanceState{stale.ID: stale}})

	_, err = h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 10)},
		Policy:     domain.OverageCap,
	})
	require.NoError(t, err)
	assert.Equal(t, 80.0, testutil.LoadRow(t, h.db, row.ID).Balance)
}

func TestExecuteRollbackHandsNothingBack(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 5)
	f := &fakeHandoff{}
	withHandoff(h, f)

	_, err := h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 10)},
		Policy:     domain.OverageCap,
	})
	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	require.Len(t, f.released, 1)
	assert.Nil(t, f.released[0])
}

func TestTransactSavesOnlyTouchedRows(t *testing.T) {
	h := newHarness(t)
	a := h.grant(t, "messages", 100)
	b := h.grant(t, "tokens", 5)

	states, err := h.exec.Transact(context.Background(), "cus_1", func(_ *gorm.DB, w *Write) error {
		row := w.Row(a.ID.String())
		require.NotNil(t, row)
		row.AdditionalBalance = 25
		w.Touch(a.ID.String())
		return nil
	})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, 25.0, states[0].AdditionalBalance)

	assert.Equal(t, int64(2), testutil.LoadRow(t, h.db, a.ID).Version)
	assert.Equal(t, int64(1), testutil.LoadRow(t, h.db, b.ID).Version)
}

func TestExecuteIgnoresInactiveProducts(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 10)
	require.NoError(t, h.db.Model(&entdomain.CustomerProduct{}).
		Where("id = ?", row.CustomerProductID).
		Update("status", entdomain.CustomerProductStatusExpired).Error)

	_, err := h.exec.Execute(context.Background(), Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 1)},
		Policy:     domain.OverageAllow,
	})
	assert.ErrorIs(t, err, domain.ErrNoApplicableBalance)
}

func TestExecuteRejectsCancelledContext(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.exec.Execute(ctx, Commit{
		CustomerID: "cus_1",
		Deductions: []domain.FeatureDeduction{deduction(row, 1)},
		Policy:     domain.OverageCap,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10.0, testutil.LoadRow(t, h.db, row.ID).Balance)
}

func TestExecuteConcurrentDeductions(t *testing.T) {
	const workers = 20

	t.Run("allow loses no update", func(t *testing.T) {
		h := newHarness(t)
		row := h.grant(t, "messages", 10)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.exec.Execute(context.Background(), Commit{
					CustomerID: "cus_1",
					Deductions: []domain.FeatureDeduction{deduction(row, 1.5)},
					Policy:     domain.OverageAllow,
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.InDelta(t, 10-workers*1.5, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
	})

	t.Run("cap never overdraws", func(t *testing.T) {
		h := newHarness(t)
		row := h.grant(t, "messages", 10)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.exec.Execute(context.Background(), Commit{
					CustomerID: "cus_1",
					Deductions: []domain.FeatureDeduction{deduction(row, 3)},
					Policy:     domain.OverageCap,
				})
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, accepted)
		assert.InDelta(t, 1.0, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
	})
}
