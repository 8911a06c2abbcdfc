package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Value string `json:"value"`
}

func receiveOne(t *testing.T, b Bus, pipeline Pipeline) *Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := b.Receive(ctx, pipeline)
	require.NoError(t, err)
	return d
}

func TestMemoryBusPublishReceiveAck(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, PipelineChunk, testPayload{Value: "hello"}))

	d := receiveOne(t, b, PipelineChunk)
	var payload testPayload
	require.NoError(t, d.Decode(&payload))
	assert.Equal(t, "hello", payload.Value)
	assert.Equal(t, 0, d.RetryCount)
	assert.NotEmpty(t, d.ID)

	require.NoError(t, b.Ack(ctx, d))

	main, retry, dlq, err := b.Depth(ctx, PipelineChunk)
	require.NoError(t, err)
	assert.Zero(t, main)
	assert.Zero(t, retry)
	assert.Zero(t, dlq)
}

func TestMemoryBusReceiveBlocksUntilCancel(t *testing.T) {
	b := NewMemoryBus()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx, PipelineAssembly)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusNackRoutesToRetryThenDLQ(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, PipelineChunk, testPayload{Value: "flaky"}))

	// Initial delivery plus MaxRetries redeliveries, then the DLQ.
	deliveries := 0
	for {
		d := receiveOne(t, b, PipelineChunk)
		deliveries++
		assert.Equal(t, deliveries-1, d.RetryCount)

		require.NoError(t, b.Nack(ctx, d))

		_, retry, dlq, err := b.Depth(ctx, PipelineChunk)
		require.NoError(t, err)
		if dlq > 0 {
			assert.Zero(t, retry)
			break
		}
	}

	// Bounded retry: 1 initial + MaxRetries attempts, never more.
	assert.Equal(t, MaxRetries+1, deliveries)

	d, err := b.PopDLQ(ctx, PipelineChunk)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, MaxRetries+1, d.RetryCount)

	d, err = b.PopDLQ(ctx, PipelineChunk)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryBusRetryDrainedBeforeMain(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, PipelineProcess, testPayload{Value: "first"}))
	d := receiveOne(t, b, PipelineProcess)
	require.NoError(t, b.Nack(ctx, d))

	require.NoError(t, b.Publish(ctx, PipelineProcess, testPayload{Value: "second"}))

	// The retried message comes back ahead of fresh main-queue work.
	d = receiveOne(t, b, PipelineProcess)
	var payload testPayload
	require.NoError(t, d.Decode(&payload))
	assert.Equal(t, "first", payload.Value)
	assert.Equal(t, 1, d.RetryCount)
}

func TestMemoryBusDeadLetterBypassesRetry(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, PipelineAssembly, testPayload{Value: "fatal"}))
	d := receiveOne(t, b, PipelineAssembly)

	require.NoError(t, b.DeadLetter(ctx, d))

	_, retry, dlq, err := b.Depth(ctx, PipelineAssembly)
	require.NoError(t, err)
	assert.Zero(t, retry)
	assert.Equal(t, int64(1), dlq)

	parked, err := b.PopDLQ(ctx, PipelineAssembly)
	require.NoError(t, err)
	require.NotNil(t, parked)
	assert.Equal(t, d.ID, parked.ID)
	assert.Equal(t, 0, parked.RetryCount)
}

func TestPipelineQueueNames(t *testing.T) {
	assert.Equal(t, "chunk_processing", PipelineChunk.MainQueue())
	assert.Equal(t, "chunk_processing_retry", PipelineChunk.RetryQueue())
	assert.Equal(t, "chunk_processing_dlq", PipelineChunk.DLQ())
	assert.Equal(t, "file_assembly", PipelineAssembly.MainQueue())
	assert.Equal(t, "video_processing", PipelineProcess.MainQueue())
}
