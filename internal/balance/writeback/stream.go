package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/clock"
	"go.uber.org/zap"
)

const payloadField = "payload"

type StreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	// MaxLen trims the stream approximately. Zero keeps everything.
	MaxLen int64
	// MinIdle is how long a delivered entry may stay unacknowledged before
	// another consumer claims it.
	MinIdle time.Duration
}

// StreamQueue is a Queue on a Redis stream with a consumer group, so
// messages survive a process restart and are shared by every node.
type StreamQueue struct {
	client *redis.Client
	opts   StreamOptions
	clock  clock.Clock
	log    *zap.Logger

	lastReclaim time.Time
}

func NewStreamQueue(client *redis.Client, opts StreamOptions, clk clock.Clock, log *zap.Logger) *StreamQueue {
	if opts.MinIdle < 0 {
		opts.MinIdle = 0
	}
	return &StreamQueue{
		client: client,
		opts:   opts,
		clock:  clk,
		log:    log.Named("writeback.stream"),
	}
}

// EnsureGroup creates the stream and consumer group when missing.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *StreamQueue) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range msgs {
			payload, err := json.Marshal(m)
			if err != nil {
				return err
			}
			p.XAdd(ctx, &redis.XAddArgs{
				Stream: q.opts.Stream,
				MaxLen: q.opts.MaxLen,
				Approx: q.opts.MaxLen > 0,
				Values: map[string]any{payloadField: payload},
			})
		}
		return nil
	})
	return err
}

// Receive first reclaims entries abandoned by other consumers, then reads
// new ones. It is meant for a single polling goroutine.
func (q *StreamQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	now := q.clock.Now()
	if now.Sub(q.lastReclaim) >= q.opts.MinIdle {
		q.lastReclaim = now
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.MinIdle,
			Start:    "0-0",
			Count:    int64(max),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if len(claimed) > 0 {
			return q.decode(ctx, claimed), nil
		}
	}

	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, s := range streams {
		out = append(out, q.decode(ctx, s.Messages)...)
	}
	return out, nil
}

// decode drops entries that can never be applied.
func (q *StreamQueue) decode(ctx context.Context, entries []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(entries))
	var poison []string
	for _, e := range entries {
		raw, _ := e.Values[payloadField].(string)
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m.State.ID == "" {
			q.log.Error("dropping undecodable sync entry", zap.String("entry_id", e.ID), zap.Error(err))
			poison = append(poison, e.ID)
			continue
		}
		out = append(out, Delivery{Message: m, ref: e.ID})
	}
	if len(poison) > 0 {
		if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, poison...).Err(); err != nil {
			q.log.Warn("ack poison entries", zap.Error(err))
		}
	}
	return out
}

func (q *StreamQueue) Ack(ctx context.Context, deliveries []Delivery) error {
	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		if d.ref != "" {
			ids = append(ids, d.ref)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return q.client.XAck(ctx, q.opts.Stream, q.opts.Group, ids...).Err()
}

// Retry leaves entries pending; they are reclaimed once idle for MinIdle.
func (q *StreamQueue) Retry(context.Context, []Delivery) error {
	return nil
}

// Pending reports entries delivered but not acknowledged.
func (q *StreamQueue) Pending(ctx context.Context) (int64, error) {
	res, err := q.client.XPending(ctx, q.opts.Stream, q.opts.Group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}
