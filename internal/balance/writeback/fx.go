package writeback

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"

	memoryQueueCapacity = 65536
	streamMaxLen        = 1_000_000
	streamMinIdle       = 30 * time.Second
)

var Module = fx.Module("balance.writeback",
	fx.Provide(NewQueue),
	fx.Provide(NewApplier),
	fx.Provide(fx.Annotate(NewHandoff, fx.As(fx.Self()), fx.As(new(durable.Handoff)))),
	fx.Provide(NewWorker),
	fx.Provide(NewSynchronizer),
	fx.Provide(NewReconciler),
	fx.Invoke(run),
)

type QueueParams struct {
	fx.In

	Config config.Config
	Client *redis.Client `optional:"true"`
	Clock  clock.Clock
	Log    *zap.Logger
}

func NewQueue(p QueueParams) (Queue, error) {
	switch p.Config.SyncQueue {
	case "", QueueMemory:
		return NewMemoryQueue(memoryQueueCapacity), nil
	case QueueRedis:
		if p.Client == nil {
			return nil, fmt.Errorf("sync queue %q requires REDIS_ADDR", QueueRedis)
		}
		host, _ := os.Hostname()
		return NewStreamQueue(p.Client, StreamOptions{
			Stream:   p.Config.SyncStreamName,
			Group:    p.Config.SyncGroupName,
			Consumer: fmt.Sprintf("%s-%d", host, p.Config.NodeID),
			MaxLen:   streamMaxLen,
			MinIdle:  streamMinIdle,
		}, p.Clock, p.Log), nil
	default:
		return nil, fmt.Errorf("unknown sync queue %q", p.Config.SyncQueue)
	}
}

func run(lc fx.Lifecycle, queue Queue, worker *Worker, reconciler *Reconciler, log *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{}, 2)
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if sq, ok := queue.(*StreamQueue); ok {
				if err := sq.EnsureGroup(ctx); err != nil {
					return err
				}
			}
			if err := reconciler.Start(ctx); err != nil {
				log.Warn("reconciler start deferred", zap.Error(err))
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				worker.RunForever(runCtx)
				done <- struct{}{}
			}()
			go func() {
				reconciler.RunForever(runCtx)
				done <- struct{}{}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			// flush what the loop left behind before the process exits
			return worker.Drain(ctx)
		},
	})
}
