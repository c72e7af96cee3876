package writeback

import (
	"context"
	"time"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type WorkerParams struct {
	fx.In

	Queue   Queue
	Applier *Applier
	Log     *zap.Logger
	Clock   clock.Clock
	Policy  *config.BalancePolicyHolder
}

// Worker drains the write-behind queue into the durable store.
type Worker struct {
	queue   Queue
	applier *Applier
	log     *zap.Logger
	clock   clock.Clock
	policy  *config.BalancePolicyHolder
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		queue:   p.Queue,
		applier: p.Applier,
		log:     p.Log.Named("writeback.worker"),
		clock:   p.Clock,
		policy:  p.Policy,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("write-behind batch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval()):
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// RunOnce waits up to one poll interval for messages and applies them as a
// batch. It returns how many deliveries were handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.process(ctx, w.pollInterval())
}

// Drain applies whatever is already queued without waiting for more.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		n, err := w.process(ctx, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, wait time.Duration) (int, error) {
	batch := w.policy.Get().Sync.BatchSize
	deliveries, err := w.queue.Receive(ctx, batch, wait)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	msgs := make([]Message, 0, len(deliveries))
	oldest := deliveries[0].Message.ProducedAt
	for _, d := range deliveries {
		msgs = append(msgs, d.Message)
		if d.Message.ProducedAt.Before(oldest) {
			oldest = d.Message.ProducedAt
		}
	}

	m := metrics.Balance()
	stats, err := w.applier.Apply(ctx, states(msgs))
	if err != nil {
		m.AddSyncMessages(metrics.SyncResultFailed, len(deliveries))
		if rerr := w.queue.Retry(context.WithoutCancel(ctx), deliveries); rerr != nil {
			w.log.Error("requeue failed; reconciler will repair",
				zap.Int("messages", len(deliveries)),
				zap.Error(rerr),
			)
		}
		return len(deliveries), err
	}

	if err := w.queue.Ack(ctx, deliveries); err != nil {
		w.log.Warn("ack failed", zap.Error(err))
	}

	coalesced := len(deliveries) - stats.Applied - stats.Superseded - stats.Missing
	m.AddSyncMessages(metrics.SyncResultApplied, stats.Applied)
	m.AddSyncMessages(metrics.SyncResultSuperseded, stats.Superseded+coalesced)
	m.AddSyncMessages(metrics.SyncResultMissing, stats.Missing)
	if !oldest.IsZero() {
		m.ObserveSyncLag(w.clock.Now().Sub(oldest).Seconds())
	}

	if stats.Missing > 0 {
		w.log.Debug("sync messages for unknown entitlements", zap.Int("count", stats.Missing))
	}
	return len(deliveries), nil
}

func (w *Worker) pollInterval() time.Duration {
	if d := w.policy.Get().Sync.PollInterval; d > 0 {
		return d
	}
	return 200 * time.Millisecond
}
