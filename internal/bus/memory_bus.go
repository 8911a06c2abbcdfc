package bus

import (
	"context"
	"fmt"
	"sync"
)

// memoryQueueCap bounds each in-memory queue; a full queue rejects the
// publish, which surfaces as a transient error to the producer.
const memoryQueueCap = 4096

// MemoryBus implements Bus with channels. It backs single-node deployments
// without redis and is the dependency-injected fake in tests. Semantics
// match the redis bus: retry traffic is drained ahead of main-queue work and
// the retry budget routes to the DLQ.
type MemoryBus struct {
	mu        sync.Mutex
	pipelines map[Pipeline]*memoryPipeline
	closed    bool
}

type memoryPipeline struct {
	main  chan *Envelope
	retry chan *Envelope

	mu  sync.Mutex
	dlq []*Envelope
}

// NewMemoryBus creates a new in-memory work bus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{pipelines: make(map[Pipeline]*memoryPipeline)}
	for _, p := range Pipelines {
		b.pipelines[p] = &memoryPipeline{
			main:  make(chan *Envelope, memoryQueueCap),
			retry: make(chan *Envelope, memoryQueueCap),
		}
	}
	return b
}

func (b *MemoryBus) pipeline(p Pipeline) (*memoryPipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	mp, ok := b.pipelines[p]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline: %s", p)
	}
	return mp, nil
}

// Publish wraps payload in a fresh envelope and enqueues it.
func (b *MemoryBus) Publish(ctx context.Context, pipeline Pipeline, payload interface{}) error {
	mp, err := b.pipeline(pipeline)
	if err != nil {
		return err
	}

	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}

	select {
	case mp.main <- env:
		return nil
	default:
		return fmt.Errorf("queue %s is full", pipeline.MainQueue())
	}
}

// Receive blocks until a message is available or ctx is done.
func (b *MemoryBus) Receive(ctx context.Context, pipeline Pipeline) (*Delivery, error) {
	mp, err := b.pipeline(pipeline)
	if err != nil {
		return nil, err
	}

	// Retry traffic first, without blocking.
	select {
	case env := <-mp.retry:
		return &Delivery{Envelope: *env, Pipeline: pipeline}, nil
	default:
	}

	select {
	case env := <-mp.retry:
		return &Delivery{Envelope: *env, Pipeline: pipeline}, nil
	case env := <-mp.main:
		return &Delivery{Envelope: *env, Pipeline: pipeline}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: channel receive already removed the message.
func (b *MemoryBus) Ack(ctx context.Context, d *Delivery) error {
	return nil
}

// Nack re-routes to the retry queue or the DLQ per the retry budget.
func (b *MemoryBus) Nack(ctx context.Context, d *Delivery) error {
	mp, err := b.pipeline(d.Pipeline)
	if err != nil {
		return err
	}

	next := d.Envelope
	next.RetryCount++

	if next.RetryCount > MaxRetries {
		mp.mu.Lock()
		mp.dlq = append(mp.dlq, &next)
		mp.mu.Unlock()
		return nil
	}

	select {
	case mp.retry <- &next:
		return nil
	default:
		return fmt.Errorf("queue %s is full", d.Pipeline.RetryQueue())
	}
}

// DeadLetter parks the delivery on the DLQ immediately.
func (b *MemoryBus) DeadLetter(ctx context.Context, d *Delivery) error {
	mp, err := b.pipeline(d.Pipeline)
	if err != nil {
		return err
	}

	env := d.Envelope
	mp.mu.Lock()
	mp.dlq = append(mp.dlq, &env)
	mp.mu.Unlock()
	return nil
}

// PopDLQ removes one message from the pipeline's DLQ, nil when empty.
func (b *MemoryBus) PopDLQ(ctx context.Context, pipeline Pipeline) (*Delivery, error) {
	mp, err := b.pipeline(pipeline)
	if err != nil {
		return nil, err
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if len(mp.dlq) == 0 {
		return nil, nil
	}
	env := mp.dlq[0]
	mp.dlq = mp.dlq[1:]
	return &Delivery{Envelope: *env, Pipeline: pipeline}, nil
}

// Depth reports the main, retry and dlq queue lengths.
func (b *MemoryBus) Depth(ctx context.Context, pipeline Pipeline) (int64, int64, int64, error) {
	mp, err := b.pipeline(pipeline)
	if err != nil {
		return 0, 0, 0, err
	}

	mp.mu.Lock()
	dlq := int64(len(mp.dlq))
	mp.mu.Unlock()

	return int64(len(mp.main)), int64(len(mp.retry)), dlq, nil
}

// Close marks the bus closed. Draining consumers see closed-bus errors on
// their next pipeline lookup.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
