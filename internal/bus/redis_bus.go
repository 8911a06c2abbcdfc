package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// receivePollInterval bounds each blocking pop so Receive can notice a
// cancelled context between polls.
const receivePollInterval = 5 * time.Second

// RedisBus implements Bus on redis lists. Enqueue is LPUSH; consumption is
// BLMOVE into a per-pipeline processing list so a crashed worker leaves its
// in-flight message recoverable instead of lost; Ack is LREM on the
// processing list.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a new redis-backed work bus.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish wraps payload in a fresh envelope and pushes it on the main queue.
func (b *RedisBus) Publish(ctx context.Context, pipeline Pipeline, payload interface{}) error {
	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	return b.push(ctx, pipeline.MainQueue(), env)
}

func (b *RedisBus) push(ctx context.Context, queue string, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.LPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", queue, err)
	}
	return nil
}

// Receive blocks until a message is available or ctx is done. The retry
// queue is drained ahead of the main queue so bounded retries feed back into
// the same processor promptly.
func (b *RedisBus) Receive(ctx context.Context, pipeline Pipeline) (*Delivery, error) {
	processing := pipeline.processingQueue()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Retry traffic first, without blocking.
		raw, err := b.client.LMove(ctx, pipeline.RetryQueue(), processing, "RIGHT", "LEFT").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to move from retry queue: %w", err)
		}

		if errors.Is(err, redis.Nil) {
			// Block on the main queue for one poll interval.
			raw, err = b.client.BLMove(ctx, pipeline.MainQueue(), processing, "RIGHT", "LEFT", receivePollInterval).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("failed to receive from %s: %w", pipeline.MainQueue(), err)
			}
		}

		d := &Delivery{Pipeline: pipeline, raw: raw}
		if err := json.Unmarshal([]byte(raw), &d.Envelope); err != nil {
			// Poison payload: park it on the DLQ rather than crash-loop.
			b.client.LPush(ctx, pipeline.DLQ(), raw)
			b.client.LRem(ctx, processing, 1, raw)
			continue
		}

		return d, nil
	}
}

// Ack removes the delivery from the processing list.
func (b *RedisBus) Ack(ctx context.Context, d *Delivery) error {
	if err := b.client.LRem(ctx, d.Pipeline.processingQueue(), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.ID, err)
	}
	return nil
}

// Nack republishes to the retry queue with an incremented count while the
// budget lasts, then to the DLQ, and acks the original either way.
func (b *RedisBus) Nack(ctx context.Context, d *Delivery) error {
	next := d.Envelope
	next.RetryCount++

	queue := d.Pipeline.RetryQueue()
	if next.RetryCount > MaxRetries {
		queue = d.Pipeline.DLQ()
	}

	if err := b.push(ctx, queue, &next); err != nil {
		return err
	}
	return b.Ack(ctx, d)
}

// DeadLetter parks the delivery on the DLQ immediately.
func (b *RedisBus) DeadLetter(ctx context.Context, d *Delivery) error {
	if err := b.push(ctx, d.Pipeline.DLQ(), &d.Envelope); err != nil {
		return err
	}
	return b.Ack(ctx, d)
}

// PopDLQ removes one message from the pipeline's DLQ, nil when empty.
func (b *RedisBus) PopDLQ(ctx context.Context, pipeline Pipeline) (*Delivery, error) {
	raw, err := b.client.RPop(ctx, pipeline.DLQ()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop DLQ: %w", err)
	}

	d := &Delivery{Pipeline: pipeline, raw: raw}
	if err := json.Unmarshal([]byte(raw), &d.Envelope); err != nil {
		return nil, fmt.Errorf("corrupt DLQ message: %w", err)
	}
	return d, nil
}

// Depth reports the main, retry and dlq queue lengths.
func (b *RedisBus) Depth(ctx context.Context, pipeline Pipeline) (int64, int64, int64, error) {
	main, err := b.client.LLen(ctx, pipeline.MainQueue()).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	retry, err := b.client.LLen(ctx, pipeline.RetryQueue()).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	dlq, err := b.client.LLen(ctx, pipeline.DLQ()).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	return main, retry, dlq, nil
}

// Close releases the redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
