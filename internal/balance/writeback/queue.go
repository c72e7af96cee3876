package writeback

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("sync queue full")
	ErrQueueClosed = errors.New("sync queue closed")
)

// Delivery is a received message awaiting Ack or Retry.
type Delivery struct {
	Message Message
	ref     string
}

// Queue transports write-behind messages. Delivery is at least once; the
// consumer relies on version ordering to make redelivery harmless.
type Queue interface {
	Publish(ctx context.Context, msgs ...Message) error
	// Receive blocks up to wait for the first message and returns at most max.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, deliveries []Delivery) error
	// Retry hands deliveries back for a later attempt.
	Retry(ctx context.Context, deliveries []Delivery) error
}

// MemoryQueue is a process-local queue. Messages still buffered when the
// process exits are lost and repaired by the reconciler's next warm.
type MemoryQueue struct {
	ch chan Message
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryQueue{ch: make(chan Message, capacity)}
}

// Publish never blocks. When the buffer is full nothing is enqueued and
// ErrQueueFull is returned so the caller can apply inline.
func (q *MemoryQueue) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) > cap(q.ch)-len(q.ch) {
		return ErrQueueFull
	}
	for _, m := range msgs {
		select {
		case q.ch <- m:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	var out []Delivery
	select {
	case m := <-q.ch:
		out = append(out, Delivery{Message: m})
	default:
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case m := <-q.ch:
			out = append(out, Delivery{Message: m})
		}
	}

	for len(out) < max {
		select {
		case m := <-q.ch:
			out = append(out, Delivery{Message: m})
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *MemoryQueue) Ack(context.Context, []Delivery) error {
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, deliveries []Delivery) error {
	msgs := make([]Message, 0, len(deliveries))
	for _, d := range deliveries {
		msgs = append(msgs, d.Message)
	}
	return q.Publish(ctx, msgs...)
}

// Len reports buffered messages.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
