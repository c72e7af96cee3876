package writeback

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/metergate/internal/balance/domain"
)

// Message carries one post-commit state from the cache to the durable store.
type Message struct {
	ID         string              `json:"id"`
	CustomerID string              `json:"customer_id"`
	State      domain.BalanceState `json:"state"`
	ProducedAt time.Time           `json:"produced_at"`
}

// Version orders messages for the same entitlement.
func (m Message) Version() int64 {
	return m.State.Version
}

// MessagesFor builds one message per state the commit changed.
func MessagesFor(customerID string, res *domain.CommitResult, now time.Time) []Message {
	if res == nil || len(res.Touched) == 0 {
		return nil
	}
	byID := res.StateMap()
	out := make([]Message, 0, len(res.Touched))
	for _, id := range res.Touched {
		st, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, Message{
			ID:         ulid.Make().String(),
			CustomerID: customerID,
			State:      *st,
			ProducedAt: now,
		})
	}
	return out
}

func states(msgs []Message) []domain.BalanceState {
	out := make([]domain.BalanceState, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.State)
	}
	return out
}
