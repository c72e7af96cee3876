package service

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/balance/cache"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/balance/guard"
	"github.com/smallbiznis/metergate/internal/balance/reset"
	"github.com/smallbiznis/metergate/internal/balance/writeback"
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
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type harness struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	mr      *miniredis.Miniredis
	store   *cache.Store
	queue   *writeback.MemoryQueue
	worker  *writeback.Worker
	handoff *writeback.Handoff
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, client := testutil.StartRedis(t)
	h := build(t, client)
	h.mr = mr
	return h
}

func build(t *testing.T, client *redis.Client) *harness {
	t.Helper()
	conn := testutil.OpenSQLite(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Now().UTC().Add(time.Hour).Truncate(time.Second))
	repo := repository.Provide()
	policy := config.NewStaticBalancePolicyHolder(config.DefaultBalancePolicy())
	log := zap.NewNop()

	seedFeatures(t, conn)
	catalog := featureservice.NewCatalog(conn, log, featurerepo.Provide(), config.Config{})
	store := cache.NewStore(cache.Params{Client: client, Log: log, Clock: clk, Policy: policy})
	mgr := reset.NewManager(reset.Params{DB: conn, Log: log, Clock: clk, Repo: repo, Node: node})
	queue := writeback.NewMemoryQueue(1024)
	applier := writeback.NewApplier(writeback.ApplierParams{DB: conn, Log: log, Clock: clk, Repo: repo, Node: node})
	g := guard.NewGuard(guard.Params{Client: client, Log: log, Clock: clk, Policy: policy})

	h := &harness{
		db:    conn,
		node:  node,
		clock: clk,
		store: store,
		queue: queue,
		worker: writeback.NewWorker(writeback.WorkerParams{
			Queue: queue, Applier: applier, Log: log, Clock: clk, Policy: policy,
		}),
	}
	handoff := writeback.NewHandoff(writeback.HandoffParams{Store: store, Applier: applier, Log: log, Policy: policy})
	exec := durable.NewExecutor(durable.Params{
		DB: conn, Log: log, Clock: clk, Repo: repo, Reset: mgr, Node: node, Policy: policy, Handoff: handoff,
	})
	h.handoff = handoff
	h.svc = New(Params{
		DB:      conn,
		Log:     log,
		Clock:   clk,
		Repo:    repo,
		Catalog: catalog,
		Cache:   store,
		Durable: exec,
		Reset:   mgr,
		Sync: writeback.NewSynchronizer(writeback.SynchronizerParams{
			Queue: queue, Applier: applier, Log: log, Clock: clk,
		}),
		Handoff: handoff,
		Provisioner: guard.NewProvisioner(guard.ProvisionerParams{
			DB: conn, Log: log, Clock: clk, Repo: repo, Node: node, Guard: g, Catalog: catalog, Durable: exec,
		}),
		Policy: policy,
	})
	return h
}

func seedFeatures(t *testing.T, conn *gorm.DB) {
	t.Helper()
	for _, id := range []string{"messages", "tokens_a", "tokens_b", "seats", "credits"} {
		f := featuredomain.Feature{ID: id, EventNames: datatypes.JSONSlice[string]{}}
		if id == "messages" {
			f.EventNames = datatypes.JSONSlice[string]{"message.sent"}
		}
		if id == "seats" {
			f.UsageType = featuredomain.UsageTypeContinuous
		}
		testutil.SeedFeature(t, conn, f)
	}
	testutil.SeedFeature(t, conn, featuredomain.Feature{
		ID:   "ai_credits",
		Type: featuredomain.FeatureTypeCreditSystem,
		CreditSchema: datatypes.JSONSlice[featuredomain.CreditSchemaItem]{
			{FeatureID: "tokens_a", CreditCost: 2},
			{FeatureID: "tokens_b", CreditCost: 1},
		},
	})
	testutil.SeedFeature(t, conn, featuredomain.Feature{ID: "sso", Type: featuredomain.FeatureTypeBoolean})
}

func (h *harness) grant(t *testing.T, featureID string, allowance float64) entdomain.CustomerEntitlement {
	t.Helper()
	next := h.clock.Now().AddDate(0, 1, 0)
	return testutil.SeedGrant(t, h.db, h.node, testutil.Grant{
		CustomerID:  "cus_1",
		FeatureID:   featureID,
		Allowance:   testutil.Float(allowance),
		Interval:    entdomain.IntervalMonth,
		NextResetAt: &next,
	})
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.worker.Drain(context.Background()))
}

func track(featureID string, value float64) domain.TrackRequest {
	return domain.TrackRequest{CustomerID: "cus_1", FeatureID: featureID, Value: &value}
}

func TestTrackTwiceLeavesExactBalance(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	ctx := context.Background()

	first, err := h.svc.Track(ctx, track("messages", 27.35))
	require.NoError(t, err)
	assert.Equal(t, domain.PathDurable, first.Path, "cold snapshot goes to the store")
	assert.InDelta(t, 72.65, first.Balance.Balance, domain.Epsilon)

	second, err := h.svc.Track(ctx, track("messages", 27.35))
	require.NoError(t, err)
	assert.Equal(t, domain.PathCache, second.Path, "first commit warmed the cache")
	assert.InDelta(t, 45.30, second.Balance.Balance, domain.Epsilon)

	h.drain(t)
	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 45.30, stored.Balance, domain.Epsilon)
}

func TestTrackCreditSystemSpendsUnderlyingFeatures(t *testing.T) {
	h := newHarness(t)
	a := h.grant(t, "tokens_a", 500)
	b := h.grant(t, "tokens_b", 500)
	ctx := context.Background()

	resp, err := h.svc.Track(ctx, track("ai_credits", 10))
	require.NoError(t, err)
	require.Len(t, resp.Balances, 2)
	assert.Equal(t, "tokens_a", resp.Balances[0].FeatureID)
	assert.InDelta(t, 480, resp.Balances[0].Balance, domain.Epsilon)
	assert.InDelta(t, 490, resp.Balances[1].Balance, domain.Epsilon)

	h.drain(t)
	assert.InDelta(t, 480, testutil.LoadRow(t, h.db, a.ID).Balance, domain.Epsilon)
	assert.InDelta(t, 490, testutil.LoadRow(t, h.db, b.ID).Balance, domain.Epsilon)
}

func TestTrackByEventName(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "messages", 10)

	resp, err := h.svc.Track(context.Background(), domain.TrackRequest{CustomerID: "cus_1", EventName: "message.sent"})
	require.NoError(t, err)
	assert.Equal(t, "messages", resp.Balance.FeatureID)
	assert.InDelta(t, 9, resp.Balance.Balance, domain.Epsilon)

	_, err = h.svc.Track(context.Background(), domain.TrackRequest{CustomerID: "cus_1", EventName: "nope"})
	assert.ErrorIs(t, err, domain.ErrUnknownEvent)
}

func TestTrackFallsBackWhileCacheIsDown(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	ctx := context.Background()

	h.mr.Close()
	resp, err := h.svc.Track(ctx, track("messages", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.PathDurable, resp.Path)
	assert.InDelta(t, 90, resp.Balance.Balance, domain.Epsilon)
	assert.InDelta(t, 90, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)

	require.NoError(t, h.mr.Restart())
	check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.InDelta(t, 90, check.Balance.Balance, domain.Epsilon)

	snap, err := h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, snap.Cold, "the read warmed the snapshot")
	require.Len(t, snap.States, 1)
	assert.InDelta(t, 90, snap.States[0].Balance, domain.Epsilon)
}

func TestTrackWithoutRedis(t *testing.T) {
	h := build(t, nil)
	h.grant(t, "messages", 5)

	resp, err := h.svc.Track(context.Background(), track("messages", 2))
	require.NoError(t, err)
	assert.Equal(t, domain.PathDurable, resp.Path)
	assert.InDelta(t, 3, resp.Balance.Balance, domain.Epsilon)
}

func TestTrackRejectsInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 5)
	ctx := context.Background()

	for _, path := range []string{domain.PathDurable, domain.PathCache} {
		_, err := h.svc.Track(ctx, track("messages", 10))
		var insufficient *domain.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient, path)
		assert.InDelta(t, 5, insufficient.Shortfall(), domain.Epsilon)
		// warm the cache so the second attempt takes the cache path
		_, err = h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
		require.NoError(t, err)
	}

	h.drain(t)
	assert.InDelta(t, 5, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
}

func TestTrackNoApplicableBalance(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Track(context.Background(), track("messages", 1))
	assert.ErrorIs(t, err, domain.ErrNoApplicableBalance)
	assert.True(t, domain.IsBusinessRejection(err))

	_, err = h.svc.Track(context.Background(), track("missing", 1))
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}

func TestTrackIdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	ctx := context.Background()

	req := track("messages", 10)
	req.IdempotencyKey = "evt_1"
	first, err := h.svc.Track(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := h.svc.Track(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.InDelta(t, 90, again.Balance.Balance, domain.Epsilon)
	assert.InDelta(t, 90, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
}

func TestKeyedTrackKeepsUnsyncedCacheCommits(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	ctx := context.Background()

	// warm, then spend on the cache without letting the write-back run
	_, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	resp, err := h.svc.Track(ctx, track("messages", 10))
	require.NoError(t, err)
	require.Equal(t, domain.PathCache, resp.Path)

	keyed := track("messages", 5)
	keyed.IdempotencyKey = "evt_1"
	resp, err = h.svc.Track(ctx, keyed)
	require.NoError(t, err)
	assert.Equal(t, domain.PathDurable, resp.Path)
	assert.InDelta(t, 85, resp.Balance.Balance, domain.Epsilon)

	h.drain(t)
	stored := testutil.LoadRow(t, h.db, row.ID)
	assert.InDelta(t, 85, stored.Balance, domain.Epsilon)

	check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	assert.InDelta(t, 85, check.Balance.Balance, domain.Epsilon)
}

func TestCacheOutageDoesNotLoseCommits(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 100)
	ctx := context.Background()

	_, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		resp, err := h.svc.Track(ctx, track("messages", 10))
		require.NoError(t, err)
		require.Equal(t, domain.PathCache, resp.Path)
	}

	h.mr.Close()
	resp, err := h.svc.Track(ctx, track("messages", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.PathDurable, resp.Path)
	assert.InDelta(t, 70, resp.Balance.Balance, domain.Epsilon)

	h.drain(t)
	assert.InDelta(t, 70, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)

	// the snapshot came back holding 80; it must not be spent from
	require.NoError(t, h.mr.Restart())
	resp, err = h.svc.Track(ctx, track("messages", 10))
	require.NoError(t, err)
	assert.InDelta(t, 60, resp.Balance.Balance, domain.Epsilon)

	h.drain(t)
	assert.InDelta(t, 60, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
	check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)
	assert.InDelta(t, 60, check.Balance.Balance, domain.Epsilon)
}

func TestSharedLoadOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "messages", 100)

	// hold the only connection so the load waits in flight
	tx := h.db.Begin()
	require.NoError(t, tx.Error)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.svc.loadDurable(first, "cus_1")
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan []*domain.BalanceState, 1)
	go func() {
		states, err := h.svc.loadDurable(context.Background(), "cus_1")
		assert.NoError(t, err)
		second <- states
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tx.Rollback().Error)

	select {
	case states := <-second:
		require.Len(t, states, 1)
		assert.InDelta(t, 100, states[0].Balance, domain.Epsilon)
	case <-time.After(5 * time.Second):
		t.Fatal("load never finished")
	}
}

func TestConcurrentTracksUnderAllow(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 10)
	ctx := context.Background()
	_, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)

	const n = 20
	var wg gosync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := track("messages", 1)
			req.OverageBehavior = "allow"
			_, err := h.svc.Track(ctx, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	h.drain(t)
	assert.InDelta(t, -10, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
}

func TestConcurrentTracksUnderCapNeverOverspend(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 5)
	ctx := context.Background()
	_, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages"})
	require.NoError(t, err)

	const n = 12
	var (
		wg       gosync.WaitGroup
		mu       gosync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Track(ctx, track("messages", 1))
			var insufficient *domain.InsufficientBalanceError
			switch {
			case err == nil:
				mu.Lock()
				accepted++
				mu.Unlock()
			case errors.As(err, &insufficient):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	h.drain(t)
	assert.InDelta(t, 0, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
}

func TestCheck(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "messages", 3)
	h.grant(t, "tokens_a", 100)
	h.grant(t, "tokens_b", 5)
	testutil.SeedGrant(t, h.db, h.node, testutil.Grant{CustomerID: "cus_1", FeatureID: "sso", Allowance: testutil.Float(0)})
	ctx := context.Background()

	tests := []struct {
		name     string
		req      domain.CheckRequest
		allowed  bool
		balance  float64
		noRecord bool
	}{
		{name: "default amount", req: domain.CheckRequest{FeatureID: "messages"}, allowed: true, balance: 3},
		{name: "exact balance", req: domain.CheckRequest{FeatureID: "messages", RequiredBalance: testutil.Float(3)}, allowed: true, balance: 3},
		{name: "over balance", req: domain.CheckRequest{FeatureID: "messages", RequiredBalance: testutil.Float(4)}, allowed: false, balance: 3},
		{name: "boolean held", req: domain.CheckRequest{FeatureID: "sso"}, allowed: true},
		{name: "not held", req: domain.CheckRequest{FeatureID: "seats"}, allowed: false, noRecord: true},
		{name: "credit system covered", req: domain.CheckRequest{FeatureID: "ai_credits", RequiredBalance: testutil.Float(5)}, allowed: true, balance: 100},
		{name: "credit system short", req: domain.CheckRequest{FeatureID: "ai_credits", RequiredBalance: testutil.Float(6)}, allowed: false, balance: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.CustomerID = "cus_1"
			resp, err := h.svc.Check(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, resp.Allowed)
			if tt.noRecord {
				assert.Nil(t, resp.Balance)
				return
			}
			require.NotNil(t, resp.Balance)
			assert.InDelta(t, tt.balance, resp.Balance.Balance, domain.Epsilon)
		})
	}

	_, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "missing"})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
	_, err = h.svc.Check(ctx, domain.CheckRequest{FeatureID: "messages"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCheckSendEventRecordsUsage(t *testing.T) {
	h := newHarness(t)
	row := h.grant(t, "messages", 3)
	ctx := context.Background()

	req := domain.CheckRequest{CustomerID: "cus_1", FeatureID: "messages", RequiredBalance: testutil.Float(2), SendEvent: true}
	resp, err := h.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Tracked)
	assert.InDelta(t, 1, resp.Balance.Balance, domain.Epsilon)
	require.NotNil(t, resp.Balance.Required)
	assert.InDelta(t, 2, *resp.Balance.Required, domain.Epsilon)

	resp, err = h.svc.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.False(t, resp.Tracked)

	h.drain(t)
	assert.InDelta(t, 1, testutil.LoadRow(t, h.db, row.ID).Balance, domain.Epsilon)
}

func TestEntitiesRefreshTheSnapshot(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "seats", 3)
	ctx := context.Background()
	_, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "seats"})
	require.NoError(t, err)

	created, err := h.svc.CreateEntities(ctx, "cus_1", "seats", []guard.EntityInput{{ID: "u1"}})
	require.NoError(t, err)
	require.Len(t, created, 1)

	snap, err := h.store.Load(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, snap.Cold)
	require.Len(t, snap.States, 1)
	assert.InDelta(t, 2, snap.States[0].Balance, domain.Epsilon)

	check, err := h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "seats"})
	require.NoError(t, err)
	assert.InDelta(t, 2, check.Balance.Balance, domain.Epsilon)

	listed, err := h.svc.ListEntities(ctx, "cus_1", "seats")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "u1", listed[0].EntityID)

	_, err = h.svc.DeleteEntity(ctx, "cus_1", "u1")
	require.NoError(t, err)
	check, err = h.svc.Check(ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureID: "seats"})
	require.NoError(t, err)
	assert.InDelta(t, 3, check.Balance.Balance, domain.Epsilon)
}

func TestBalancesListsHeldFeatures(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "tokens_b", 5)
	h.grant(t, "messages", 3)

	out, err := h.svc.Balances(context.Background(), "cus_1", "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "messages", out[0].FeatureID)
	assert.Equal(t, "tokens_b", out[1].FeatureID)
}
