package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/bus"
	"video-ingest-api/internal/models"
)

func TestCommitChunkHappyPath(t *testing.T) {
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)
	ctx := context.Background()

	session := f.initSession(t, 1000, 2000)
	tempKey := f.putTemp(t, []byte("chunk-zero"))

	err := w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
		SessionID:  session.ID,
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      "alice",
	}))
	require.NoError(t, err)

	// Temp blob became the canonical chunk.
	exists, err := f.blobs.Exists(ctx, models.ChunkKey(session.ID, 0))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.blobs.Exists(ctx, tempKey)
	require.NoError(t, err)
	assert.False(t, exists)

	// Receipt recorded; session not yet complete, so no assembly fan-out.
	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.Received)
	assert.Equal(t, models.SessionUploading, got.State)
	expectEmpty(t, f.bus, bus.PipelineAssembly)
}

func TestCommitChunkCompletionFansOutAssembly(t *testing.T) {
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)
	ctx := context.Background()

	session := f.initSession(t, 1000, 2000)

	for i := 0; i < 2; i++ {
		tempKey := f.putTemp(t, []byte{byte(i)})
		err := w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
			SessionID:  session.ID,
			ChunkIndex: i,
			TempKey:    tempKey,
			Owner:      "alice",
		}))
		require.NoError(t, err)
	}

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.State)

	d := drainOne(t, f.bus, bus.PipelineAssembly)
	var job models.AssembleFileJob
	require.NoError(t, d.Decode(&job))
	assert.Equal(t, session.ID, job.SessionID)
	assert.Equal(t, "alice", job.Owner)
}

func TestCommitChunkRedeliveryAfterRename(t *testing.T) {
	// Scenario: the worker died after the rename landed but before the
	// receipt was recorded. On redelivery the rename no-ops and the receipt
	// still lands exactly once.
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)
	ctx := context.Background()

	session := f.initSession(t, 1000, 2000)
	f.putChunk(t, session.ID, 1, []byte("already-renamed"))

	err := w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
		SessionID:  session.ID,
		ChunkIndex: 1,
		TempKey:    models.TempChunkKey(1, "gone"),
		Owner:      "alice",
	}))
	require.NoError(t, err)

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got.Received)
}

func TestCommitChunkDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)
	ctx := context.Background()

	session := f.initSession(t, 1000, 3000)

	first := f.putTemp(t, []byte("chunk-one"))
	err := w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
		SessionID: session.ID, ChunkIndex: 1, TempKey: first, Owner: "alice",
	}))
	require.NoError(t, err)

	// A second copy of the same chunk arrives: the rename hits the existing
	// target, the duplicate temp blob is dropped, the set is unchanged.
	second := f.putTemp(t, []byte("chunk-one"))
	err = w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
		SessionID: session.ID, ChunkIndex: 1, TempKey: second, Owner: "alice",
	}))
	require.NoError(t, err)

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got.Received)

	exists, err := f.blobs.Exists(ctx, second)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommitChunkCancelledSessionDropsMessage(t *testing.T) {
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)
	ctx := context.Background()

	tempKey := f.putTemp(t, []byte("orphan"))

	// No such session: the handler acks (nil) and cleans the blob up.
	err := w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
		SessionID:  "cancelled-session",
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      "alice",
	}))
	require.NoError(t, err)

	exists, err := f.blobs.Exists(ctx, models.ChunkKey("cancelled-session", 0))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommitChunkLostPayloadIsFatal(t *testing.T) {
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)
	ctx := context.Background()

	session := f.initSession(t, 1000, 2000)

	// Neither the temp blob nor the canonical chunk exists: the bytes are
	// gone and retrying cannot recover them.
	err := w.Handle(ctx, delivery(t, bus.PipelineChunk, models.CommitChunkJob{
		SessionID:  session.ID,
		ChunkIndex: 0,
		TempKey:    models.TempChunkKey(2, "lost"),
		Owner:      "alice",
	}))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestCommitChunkMalformedPayloadIsFatal(t *testing.T) {
	f := newFixture(t)
	w := NewCommitWorker(f.manager, f.blobs, f.bus)

	d := delivery(t, bus.PipelineChunk, "not-a-job")
	err := w.Handle(context.Background(), d)
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}
