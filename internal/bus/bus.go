// Package bus is the durable work dispatch between the ingest path and the
// workers. Three pipelines carry chunk commits, file assembly and video
// post-processing; each is a {main, retry, dlq} queue triple. Messages are
// JSON envelopes carrying their own retry count, so no state lives outside
// the queue.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pipeline identifies one queue triple. The names are internal but stable;
// operators monitor the dlq variants by these names.
type Pipeline string

const (
	// PipelineChunk carries CommitChunk jobs. High priority, bounded
	// prefetch to cap disk and index pressure.
	PipelineChunk Pipeline = "chunk_processing"

	// PipelineAssembly carries AssembleFile jobs. One in flight per worker;
	// assembly is disk-heavy.
	PipelineAssembly Pipeline = "file_assembly"

	// PipelineProcess carries ProcessVideo jobs for the FFmpeg stage.
	PipelineProcess Pipeline = "video_processing"
)

// Pipelines lists every pipeline, for consumers that sweep all DLQs.
var Pipelines = []Pipeline{PipelineChunk, PipelineAssembly, PipelineProcess}

// MaxRetries bounds redelivery: a message is processed at most 1 + MaxRetries
// times by non-DLQ consumers, then parked on the DLQ.
const MaxRetries = 3

// MainQueue returns the pipeline's primary queue name.
func (p Pipeline) MainQueue() string { return string(p) }

// RetryQueue returns the pipeline's retry feedback queue name.
func (p Pipeline) RetryQueue() string { return string(p) + "_retry" }

// DLQ returns the pipeline's dead-letter queue name.
func (p Pipeline) DLQ() string { return string(p) + "_dlq" }

// processingQueue returns the per-pipeline in-flight list used by the redis
// bus for crash-safe consumption.
func (p Pipeline) processingQueue() string { return string(p) + "_processing" }

// Envelope is the wire format of a queued message.
type Envelope struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewEnvelope wraps a payload into a fresh envelope.
func NewEnvelope(payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Envelope{
		ID:         uuid.New().String(),
		Payload:    raw,
		RetryCount: 0,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Delivery is one received message plus the bookkeeping the bus needs to
// ack, retry or dead-letter it.
type Delivery struct {
	Envelope
	Pipeline Pipeline

	// raw is the serialised envelope as it sits on the processing list;
	// the redis bus removes exactly this value on ack.
	raw string
}

// Bus is the work dispatch contract shared by the redis and in-memory
// implementations.
type Bus interface {
	// Publish wraps payload in a fresh envelope and enqueues it on the
	// pipeline's main queue.
	Publish(ctx context.Context, pipeline Pipeline, payload interface{}) error

	// Receive blocks until a message is available or ctx is done. Retry
	// messages feed back through the same call, ahead of main-queue work.
	Receive(ctx context.Context, pipeline Pipeline) (*Delivery, error)

	// Ack marks the delivery as fully processed.
	Ack(ctx context.Context, d *Delivery) error

	// Nack re-routes the delivery: to the retry queue with an incremented
	// count while retries remain, to the DLQ after that.
	Nack(ctx context.Context, d *Delivery) error

	// DeadLetter parks the delivery on the DLQ immediately, bypassing the
	// retry budget. Used for fatal (invariant-violation) failures.
	DeadLetter(ctx context.Context, d *Delivery) error

	// PopDLQ removes one message from the pipeline's DLQ, or returns nil
	// when it is empty. The DLQ monitor logs and acks these.
	PopDLQ(ctx context.Context, pipeline Pipeline) (*Delivery, error)

	// Depth reports the main, retry and dlq queue lengths.
	Depth(ctx context.Context, pipeline Pipeline) (main, retry, dlq int64, err error)

	// Close releases the underlying connections.
	Close() error
}
