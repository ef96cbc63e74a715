package purge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hannigan/hannigan/pkg/queue"
	"github.com/hannigan/hannigan/pkg/storage"
	"github.com/hannigan/hannigan/pkg/storage/memory"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newPipeline(t *testing.T, registry *Registry, opts ...Option) (*memory.Datastore, *Purger) {
	t.Helper()

	ds := memory.New()
	q := queue.NewMemory(queue.MemoryConfig{
		Workers:       2,
		RetryInterval: time.Millisecond,
	})

	opts = append(opts, WithRetryInterval(time.Millisecond))
	p := New(ds, q, registry, opts...)

	q.Start(context.Background(), p.Destroyer().Handle)
	t.Cleanup(q.Stop)

	return ds, p
}

func requireGone(t *testing.T, ds storage.Datastore, entityType string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := ds.ReadRecord(context.Background(), entityType, id)
		require.ErrorIs(t, err, storage.ErrNotFound, "%s:%s should be destroyed", entityType, id)
	}
}

func noPendingBatches(ds storage.Datastore) func() bool {
	return func() bool {
		pending, err := ds.ListPendingBatches(context.Background())
		return err == nil && len(pending) == 0
	}
}

// Deleting a parent nullifies its children and purges them asynchronously,
// cascading through grandchildren: with album al1 -> photos p1,p2 and
// p1 -> comment c1, everything ends up removed from the store.
func TestTransitiveCascade(t *testing.T) {
	ctx := context.Background()

	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id", BatchSize: 2},
		Declaration{ParentType: "photo", ChildType: "comment", Field: "photo_id", BatchSize: 2},
	)
	ds, p := newPipeline(t, registry)

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2"})
	require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: "comment", ID: "c1"}))
	require.NoError(t, ds.WriteLink(ctx, &storage.Link{
		ChildType:  "comment",
		ChildID:    "c1",
		Field:      "photo_id",
		ParentType: "photo",
		ParentID:   "p1",
	}))

	require.NoError(t, p.Destroy(ctx, "album", "al1"))

	// The parent itself is gone synchronously.
	requireGone(t, ds, "album", "al1")

	require.Eventually(t, noPendingBatches(ds), waitFor, tick)
	requireGone(t, ds, "photo", "p1", "p2")
	requireGone(t, ds, "comment", "c1")
}

func TestDestroyAbsentRecordIsNoop(t *testing.T) {
	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id"},
	)
	_, p := newPipeline(t, registry)

	require.NoError(t, p.Destroy(context.Background(), "album", "never-existed"))
}

// Re-running a purge task whose identifiers were already destroyed is a
// no-op and reports success.
func TestRedeliveredChunkIsNoop(t *testing.T) {
	ctx := context.Background()

	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id", BatchSize: 2},
	)
	ds := memory.New()
	q := &captureQueue{}
	p := New(ds, q, registry)
	destroyer := p.Destroyer()

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2", "p3"})
	require.NoError(t, p.Destroy(ctx, "album", "al1"))

	tasks := q.all()
	require.Len(t, tasks, 2)

	for _, task := range tasks {
		require.NoError(t, destroyer.Handle(ctx, task))
	}
	requireGone(t, ds, "photo", "p1", "p2", "p3")
	require.True(t, noPendingBatches(ds)())

	// Simulated at-least-once redelivery of both chunks.
	for _, task := range tasks {
		require.NoError(t, destroyer.Handle(ctx, task))
	}
}

func TestPermanentFailureIsReportedNotRetried(t *testing.T) {
	ctx := context.Background()

	var hookCalls atomic.Int32
	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id", BatchSize: 10},
	)
	ds, p := newPipeline(t, registry, WithHook("photo", func(_ context.Context, record *storage.Record) error {
		hookCalls.Add(1)
		if record.ID == "p2" {
			return Permanent(errors.New("retention policy forbids deletion"))
		}
		return nil
	}))

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2", "p3"})
	require.NoError(t, p.Destroy(ctx, "album", "al1"))

	var batchID string
	require.Eventually(t, func() bool {
		pending, err := ds.ListPendingBatches(ctx)
		if err != nil || len(pending) != 1 {
			return false
		}
		batchID = pending[0].ID

		chunks, err := ds.ReadChunks(ctx, batchID)
		if err != nil || len(chunks) != 1 {
			return false
		}
		return chunks[0].State == storage.ChunkStateFailed
	}, waitFor, tick)

	// Siblings were destroyed; the rejected record survives and the chunk
	// row carries the report.
	requireGone(t, ds, "photo", "p1", "p3")
	_, err := ds.ReadRecord(ctx, "photo", "p2")
	require.NoError(t, err)

	chunks, err := ds.ReadChunks(ctx, batchID)
	require.NoError(t, err)
	require.Contains(t, chunks[0].LastError, "p2")
	require.Contains(t, chunks[0].LastError, "retention policy")

	// One hook call per record: the permanent rejection was not retried.
	require.Equal(t, int32(3), hookCalls.Load())
}

func TestTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()

	var failures atomic.Int32
	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id"},
	)
	ds, p := newPipeline(t, registry, WithHook("photo", func(_ context.Context, _ *storage.Record) error {
		if failures.Add(1) <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}))

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1"})
	require.NoError(t, p.Destroy(ctx, "album", "al1"))

	require.Eventually(t, noPendingBatches(ds), waitFor, tick)
	requireGone(t, ds, "photo", "p1")
	require.GreaterOrEqual(t, failures.Load(), int32(3))
}

// A crash between nullification and scheduling leaves a durable pending
// batch; the startup resume path purges it exactly once.
func TestResumePendingAfterCrash(t *testing.T) {
	ctx := context.Background()

	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id", BatchSize: 2},
	)
	ds, p := newPipeline(t, registry)

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2", "p3"})

	// Detach without scheduling, as if the process died right after the
	// nullification transaction committed.
	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "al1",
	})
	require.NoError(t, err)
	require.NotNil(t, batch)

	require.NoError(t, p.Scheduler().ResumePending(ctx))

	require.Eventually(t, noPendingBatches(ds), waitFor, tick)
	requireGone(t, ds, "photo", "p1", "p2", "p3")

	// Nothing left to resume.
	require.NoError(t, p.Scheduler().ResumePending(ctx))
}

type detachFailingDatastore struct {
	*memory.Datastore
}

func (d *detachFailingDatastore) DetachChildren(context.Context, storage.DetachRequest) (*storage.OrphanBatch, error) {
	return nil, storage.ErrConstraintViolation
}

// A store rejection of the nullification surfaces to the caller of the
// parent deletion and leaves no orphan batch behind.
func TestConstraintViolationSurfaces(t *testing.T) {
	ctx := context.Background()

	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id"},
	)
	mem := memory.New()
	ds := &detachFailingDatastore{Datastore: mem}
	p := New(ds, &captureQueue{}, registry)

	writeFamily(t, mem, "album", "al1", "photo", "album_id", []string{"p1"})

	err := p.Destroy(ctx, "album", "al1")
	require.ErrorIs(t, err, storage.ErrConstraintViolation)

	// The parent survives and no batch was created.
	_, err = mem.ReadRecord(ctx, "album", "al1")
	require.NoError(t, err)
	require.True(t, noPendingBatches(mem)())
}
