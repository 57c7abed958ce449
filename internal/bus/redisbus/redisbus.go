// Package redisbus implements the bus.Bus interface on top of Redis
// Streams consumer groups, giving the pipeline a durable queue with
// message-lock semantics (XCLAIM-based reclaim) and dead-lettering after
// a configurable number of redeliveries.
package redisbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"diamondscan/internal/bus"
)

const deadLetterSuffix = ":dead-letter"

// Bus is a Redis Streams backed implementation of bus.Bus. Each queue
// name becomes a stream; a single consumer group "workers" claims
// pending entries so a crashed consumer's messages can be picked up by
// another process after lockDuration.
type Bus struct {
	client        *redis.Client
	consumerGroup string
	consumerName  string
	lockDuration  time.Duration
	maxRetries    int
}

type Option func(*Bus)

func WithConsumerName(name string) Option {
	return func(b *Bus) { b.consumerName = name }
}

func WithLockDuration(d time.Duration) Option {
	return func(b *Bus) { b.lockDuration = d }
}

func WithMaxRetries(n int) Option {
	return func(b *Bus) { b.maxRetries = n }
}

// New creates a Bus against addr, using "workers" as the consumer group
// name shared by every process racing to consume a queue.
func New(addr string, opts ...Option) *Bus {
	b := &Bus{
		client:        redis.NewClient(&redis.Options{Addr: addr}),
		consumerGroup: "workers",
		consumerName:  fmt.Sprintf("consumer-%d", time.Now().UnixNano()),
		lockDuration:  10 * time.Minute, // spec §5: queue message lock
		maxRetries:    3,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= len("BUSYGROUP") && err.Error()[:9] == "BUSYGROUP"
}

func (b *Bus) Publish(ctx context.Context, queue string, payload []byte) error {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return fmt.Errorf("redisbus: ensure group for %s: %w", queue, err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{"payload": payload, "attempt": 0},
	}).Err()
}

// Consume reads one pending message for this consumer, claiming any
// entry idle longer than lockDuration from a dead consumer first, then
// falling back to a fresh XREADGROUP read.
func (b *Bus) Consume(ctx context.Context, queue string) (bus.Message, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return bus.Message{}, err
	}

	if msg, ok, err := b.claimStale(ctx, queue); err != nil {
		return bus.Message{}, err
	} else if ok {
		return msg, nil
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.consumerGroup,
		Consumer: b.consumerName,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return bus.Message{}, fmt.Errorf("redisbus: no message available")
		}
		return bus.Message{}, err
	}
	for _, stream := range res {
		for _, entry := range stream.Messages {
			return entryToMessage(queue, entry), nil
		}
	}
	return bus.Message{}, fmt.Errorf("redisbus: no message available")
}

func (b *Bus) claimStale(ctx context.Context, queue string) (bus.Message, bool, error) {
	entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    b.consumerGroup,
		Consumer: b.consumerName,
		MinIdle:  b.lockDuration,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return bus.Message{}, false, nil
		}
		return bus.Message{}, false, err
	}
	if len(entries) == 0 {
		return bus.Message{}, false, nil
	}
	return entryToMessage(queue, entries[0]), true, nil
}

func entryToMessage(queue string, entry redis.XMessage) bus.Message {
	payload, _ := entry.Values["payload"].(string)
	attempt := 0
	if a, ok := entry.Values["attempt"]; ok {
		switch v := a.(type) {
		case string:
			fmt.Sscanf(v, "%d", &attempt)
		}
	}
	return bus.Message{Queue: queue, ID: entry.ID, Payload: []byte(payload), Attempt: attempt}
}

func (b *Bus) Ack(ctx context.Context, msg bus.Message) error {
	return b.client.XAck(ctx, msg.Queue, b.consumerGroup, msg.ID).Err()
}

// Nack increments the attempt counter and, once it exceeds maxRetries,
// moves the payload to a dead-letter stream instead of leaving it
// pending forever; otherwise it acks the original entry and republishes
// so a future Consume picks it up fresh with the incremented attempt.
func (b *Bus) Nack(ctx context.Context, msg bus.Message) error {
	msg.Attempt++
	if msg.Attempt > b.maxRetries {
		if err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: msg.Queue + deadLetterSuffix,
			Values: map[string]interface{}{"payload": msg.Payload, "attempt": msg.Attempt},
		}).Err(); err != nil {
			return err
		}
		return b.client.XAck(ctx, msg.Queue, b.consumerGroup, msg.ID).Err()
	}

	if err := b.client.XAck(ctx, msg.Queue, b.consumerGroup, msg.ID).Err(); err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Queue,
		Values: map[string]interface{}{"payload": msg.Payload, "attempt": msg.Attempt},
	}).Err()
}

// Renew re-claims msg for this consumer with MinIdle 0, resetting its
// idle timer without waiting for lockDuration to elapse first. Callers
// still processing a message past lockDuration must call this every
// lockDuration/2 (spec §5) or risk another consumer's claimStale
// stealing it out from under them.
func (b *Bus) Renew(ctx context.Context, msg bus.Message) error {
	_, err := b.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   msg.Queue,
		Group:    b.consumerGroup,
		Consumer: b.consumerName,
		MinIdle:  0,
		Messages: []string{msg.ID},
	}).Result()
	return err
}

func (b *Bus) Close() error {
	return b.client.Close()
}

var _ bus.Bus = (*Bus)(nil)
