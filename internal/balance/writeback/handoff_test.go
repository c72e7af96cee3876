package writeback

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) cacheDeduct(t *testing.T, id string, amount float64) {
	t.Helper()
	ctx := context.Background()
	res, err := h.store.ExecuteAtomicDeduction(ctx, "cus_1", deductFrom(id, amount), domain.OverageCap)
	require.NoError(t, err)
	h.sync.Publish(ctx, "cus_1", res)
}

func TestDurableCommitKeepsQueuedCacheCommits(t *testing.T) {
	h := newHarness(t, 16)
	row := h.grant(t, 100)
	h.warm(t, row)
	ctx := context.Background()
	id := row.ID.String()

	h.cacheDeduct(t, id, 10)
	h.cacheDeduct(t, id, 10)

	res, err := h.exec.Execute(ctx, durable.Commit{
		CustomerID:     "cus_1",
		Deductions:     deductFrom(id, 10),
		Policy:         domain.OverageCap,
		IdempotencyKey: "evt_1",
	})
	require.NoError(t, err)
	require.Len(t, res.States, 1)
	assert.InDelta(t, 70, res.States[0].Balance, 1e-9)
	assert.EqualValues(t, 4, res.States[0].Version)

	// the queued cache commits are older than what the store now holds
	n, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 70, stored.Balance, 1e-9)
	assert.EqualValues(t, 4, stored.Version)

	snap, err := h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, snap.Cold, "the commit hands the snapshot back warm")
	require.Len(t, snap.States, 1)
	assert.InDelta(t, 70, snap.States[0].Balance, 1e-9)
	assert.EqualValues(t, 4, snap.States[0].Version)

	// and the cache carries on from there
	h.cacheDeduct(t, id, 5)
	_, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	stored = testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 65, stored.Balance, 1e-9)
	assert.EqualValues(t, 5, stored.Version)
	assert.Empty(t, h.applier.Outstanding("cus_1"))
}

func TestDurableCommitWithCacheDownKeepsPublishedCommits(t *testing.T) {
	h := newHarness(t, 16)
	row := h.grant(t, 100)
	h.warm(t, row)
	ctx := context.Background()
	id := row.ID.String()

	h.cacheDeduct(t, id, 10)
	h.cacheDeduct(t, id, 10)

	h.mr.Close()
	res, err := h.exec.Execute(ctx, durable.Commit{
		CustomerID: "cus_1",
		Deductions: deductFrom(id, 10),
		Policy:     domain.OverageCap,
	})
	require.NoError(t, err)
	assert.InDelta(t, 70, res.States[0].Balance, 1e-9)
	assert.True(t, h.handoff.Dirty("cus_1"))

	_, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 70, testutil.LoadRow(t, h.db, row.ID).Balance, 1e-9)

	require.NoError(t, h.mr.Restart())
	// the snapshot still shows 80 and must not serve again
	require.Eventually(t, func() bool { return h.handoff.Settle(ctx, "cus_1") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.handoff.Dirty("cus_1"))

	snap, err := h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, snap.Cold)

	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 70, stored.Balance, 1e-9)
	assert.EqualValues(t, 4, stored.Version)
}

func TestRolledBackCommitWritesTakenStates(t *testing.T) {
	h := newHarness(t, 16)
	row := h.grant(t, 100)
	h.warm(t, row)
	ctx := context.Background()
	id := row.ID.String()

	// committed in the cache, never published
	_, err := h.store.ExecuteAtomicDeduction(ctx, "cus_1", deductFrom(id, 60), domain.OverageCap)
	require.NoError(t, err)

	_, err = h.exec.Execute(ctx, durable.Commit{
		CustomerID: "cus_1",
		Deductions: deductFrom(id, 50),
		Policy:     domain.OverageCap,
	})
	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 40, stored.Balance, 1e-9)
	assert.EqualValues(t, 2, stored.Version)

	snap, err := h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, snap.Cold)
}

func TestReleaseDoesNotWarmWhileAnotherWriterHoldsTheCustomer(t *testing.T) {
	h := newHarness(t, 4)
	row := h.grant(t, 100)
	h.warm(t, row)
	ctx := context.Background()

	_, releaseFirst := h.handoff.Take(ctx, "cus_1")
	_, releaseSecond := h.handoff.Take(ctx, "cus_1")

	state := domain.FromCustomerEntitlement(&row)
	releaseFirst([]domain.BalanceState{*state})
	snap, err := h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, snap.Cold)

	state.Version = 2
	releaseSecond([]domain.BalanceState{*state})
	snap, err = h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, snap.Cold)
	assert.EqualValues(t, 2, snap.States[0].Version)
}
