package writeback

import (
	"context"
	"time"

	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const publishTimeout = time.Second

type SynchronizerParams struct {
	fx.In

	Queue   Queue
	Applier *Applier
	Log     *zap.Logger
	Clock   clock.Clock
}

// Synchronizer hands cache commits to the write-behind queue.
type Synchronizer struct {
	queue   Queue
	applier *Applier
	log     *zap.Logger
	clock   clock.Clock
}

func NewSynchronizer(p SynchronizerParams) *Synchronizer {
	return &Synchronizer{
		queue:   p.Queue,
		applier: p.Applier,
		log:     p.Log.Named("writeback"),
		clock:   p.Clock,
	}
}

// Publish enqueues the states a cache commit changed. When the queue rejects
// them they are written to the durable store inline instead. The commit has
// already happened, so Publish never fails the caller.
func (s *Synchronizer) Publish(ctx context.Context, customerID string, res *domain.CommitResult) {
	if res == nil || res.Path != domain.PathCache {
		return
	}
	msgs := MessagesFor(customerID, res, s.clock.Now())
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	// tracked first so a worker applying the messages right away clears them
	s.applier.Track(customerID, states(msgs))
	err := s.queue.Publish(ctx, msgs...)
	if err == nil {
		return
	}

	s.log.Warn("publish failed, applying inline",
		zap.String("customer_id", customerID),
		zap.Int("states", len(msgs)),
		zap.Error(err),
	)
	metrics.Balance().AddSyncMessages(metrics.SyncResultInline, len(msgs))
	if _, err := s.applier.Apply(ctx, states(msgs)); err != nil {
		s.log.Error("inline write-behind failed",
			zap.String("customer_id", customerID),
			zap.Strings("entitlement_ids", res.Touched),
			zap.Error(err),
		)
	}
}
