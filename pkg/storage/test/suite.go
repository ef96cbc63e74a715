// Package test contains the datastore conformance suite run by every
// storage engine.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hannigan/hannigan/pkg/storage"
)

// RunAllTests runs the storage conformance suite against ds. The datastore
// must be empty.
func RunAllTests(t *testing.T, ds storage.Datastore) {
	t.Run("records", func(t *testing.T) { testRecords(t, ds) })
	t.Run("detach_children", func(t *testing.T) { testDetachChildren(t, ds) })
	t.Run("detach_no_children", func(t *testing.T) { testDetachNoChildren(t, ds) })
	t.Run("chunk_lifecycle", func(t *testing.T) { testChunkLifecycle(t, ds) })
	t.Run("batch_completion", func(t *testing.T) { testBatchCompletion(t, ds) })
}

func writeFamily(t *testing.T, ds storage.Datastore, parentType, parentID, childType, field string, childIDs []string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: parentType, ID: parentID}))
	for _, id := range childIDs {
		require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: childType, ID: id}))
		require.NoError(t, ds.WriteLink(ctx, &storage.Link{
			ChildType:  childType,
			ChildID:    id,
			Field:      field,
			ParentType: parentType,
			ParentID:   parentID,
		}))
	}
}

func testRecords(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: "account", ID: "a1"}))

	err := ds.WriteRecord(ctx, &storage.Record{EntityType: "account", ID: "a1"})
	require.ErrorIs(t, err, storage.ErrCollision)

	record, err := ds.ReadRecord(ctx, "account", "a1")
	require.NoError(t, err)
	require.Equal(t, "account", record.EntityType)
	require.Equal(t, "a1", record.ID)

	_, err = ds.ReadRecord(ctx, "account", "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ds.DeleteRecord(ctx, "account", "a1"))

	_, err = ds.ReadRecord(ctx, "account", "a1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting an absent record is a no-op.
	require.NoError(t, ds.DeleteRecord(ctx, "account", "a1"))
}

func testDetachChildren(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2", "p3"})

	req := storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "al1",
	}

	ids, err := ds.ReadChildIDs(ctx, req)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2", "p3"}, ids)

	batch, err := ds.DetachChildren(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.NotEmpty(t, batch.ID)
	require.Equal(t, "photo", batch.ChildType)
	require.Equal(t, "album_id", batch.Field)
	require.Equal(t, "al1", batch.ParentID)
	require.ElementsMatch(t, []string{"p1", "p2", "p3"}, batch.IDs)
	require.Equal(t, storage.BatchStatePending, batch.State)

	// No children still reference the parent, but the child records remain.
	ids, err = ds.ReadChildIDs(ctx, req)
	require.NoError(t, err)
	require.Empty(t, ids)

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := ds.ReadRecord(ctx, "photo", id)
		require.NoError(t, err)
	}

	pending, err := ds.ListPendingBatches(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, batch.ID, pending[0].ID)
	require.ElementsMatch(t, batch.IDs, pending[0].IDs)

	// Cleanup for the following subtests.
	chunks, err := ds.MarkBatchScheduled(ctx, batch.ID, [][]string{batch.IDs})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	remaining, err := ds.CompleteChunk(ctx, batch.ID, 0)
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func testDetachNoChildren(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "childless",
	})
	require.NoError(t, err)
	require.Nil(t, batch)

	pending, err := ds.ListPendingBatches(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func testChunkLifecycle(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	writeFamily(t, ds, "album", "al2", "photo", "album_id", []string{"q1", "q2", "q3", "q4", "q5"})

	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "al2",
	})
	require.NoError(t, err)

	split := [][]string{{"q1", "q2"}, {"q3", "q4"}, {"q5"}}
	chunks, err := ds.MarkBatchScheduled(ctx, batch.ID, split)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for seq, chunk := range chunks {
		require.Equal(t, seq, chunk.Seq)
		require.Equal(t, split[seq], chunk.IDs)
		require.Equal(t, storage.ChunkStatePending, chunk.State)
		require.Zero(t, chunk.Attempts)
	}

	// Marking again ignores the proposed split and returns the stored rows.
	again, err := ds.MarkBatchScheduled(ctx, batch.ID, [][]string{{"bogus"}})
	require.NoError(t, err)
	require.Len(t, again, 3)
	require.Equal(t, split[0], again[0].IDs)

	attempts, err := ds.StartChunk(ctx, batch.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, ds.RequeueChunk(ctx, batch.ID, 0, "transient"))

	attempts, err = ds.StartChunk(ctx, batch.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	remaining, err := ds.CompleteChunk(ctx, batch.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, remaining)

	_, err = ds.StartChunk(ctx, batch.ID, 0)
	require.ErrorIs(t, err, storage.ErrChunkTerminal)

	require.NoError(t, ds.FailChunk(ctx, batch.ID, 1, "rejected"))

	_, err = ds.StartChunk(ctx, batch.ID, 1)
	require.ErrorIs(t, err, storage.ErrChunkTerminal)

	// A failed chunk keeps the batch alive for inspection and resume.
	remaining, err = ds.CompleteChunk(ctx, batch.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	stored, err := ds.ReadChunks(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, storage.ChunkStateCompleted, stored[0].State)
	require.Equal(t, storage.ChunkStateFailed, stored[1].State)
	require.Equal(t, "rejected", stored[1].LastError)
	require.Equal(t, storage.ChunkStateCompleted, stored[2].State)

	pending, err := ds.ListPendingBatches(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Cleanup: complete the failed chunk so the batch is deleted.
	remaining, err = ds.CompleteChunk(ctx, batch.ID, 1)
	require.NoError(t, err)
	require.Zero(t, remaining)

	for _, id := range []string{"q1", "q2", "q3", "q4", "q5"} {
		require.NoError(t, ds.DeleteRecord(ctx, "photo", id))
	}
	require.NoError(t, ds.DeleteRecord(ctx, "album", "al2"))
}

func testBatchCompletion(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	writeFamily(t, ds, "album", "al3", "photo", "album_id", []string{"r1", "r2"})

	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "al3",
	})
	require.NoError(t, err)

	_, err = ds.MarkBatchScheduled(ctx, batch.ID, [][]string{{"r1"}, {"r2"}})
	require.NoError(t, err)

	remaining, err := ds.CompleteChunk(ctx, batch.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	remaining, err = ds.CompleteChunk(ctx, batch.ID, 1)
	require.NoError(t, err)
	require.Zero(t, remaining)

	// The batch and its chunk rows are gone.
	pending, err := ds.ListPendingBatches(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = ds.ReadChunks(ctx, batch.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ds.MarkBatchScheduled(ctx, batch.ID, [][]string{{"r1"}})
	require.ErrorIs(t, err, storage.ErrNotFound)
}
