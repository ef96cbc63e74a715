package purge

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hannigan/hannigan/pkg/queue"
	"github.com/hannigan/hannigan/pkg/storage"
	"github.com/hannigan/hannigan/pkg/storage/memory"
)

// captureQueue records enqueued tasks without executing them.
type captureQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (q *captureQueue) Enqueue(_ context.Context, task *queue.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return queue.NewTaskID(), nil
}

func (q *captureQueue) all() []*queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*queue.Task(nil), q.tasks...)
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name      string
		ids       []string
		size      int
		wantSizes []int
	}{
		{name: "empty", ids: nil, size: 2, wantSizes: nil},
		{name: "exact_multiple", ids: []string{"a", "b", "c", "d"}, size: 2, wantSizes: []int{2, 2}},
		{name: "five_by_two", ids: []string{"a", "b", "c", "d", "e"}, size: 2, wantSizes: []int{2, 2, 1}},
		{name: "oversized_chunk", ids: []string{"a", "b"}, size: 10, wantSizes: []int{2}},
		{name: "single", ids: []string{"a"}, size: 1, wantSizes: []int{1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Chunk(tc.ids, tc.size)
			require.Len(t, chunks, len(tc.wantSizes))

			var union []string
			for i, chunk := range chunks {
				require.NotEmpty(t, chunk)
				require.Len(t, chunk, tc.wantSizes[i])
				union = append(union, chunk...)
			}

			// Union equals the input exactly: order preserved, no
			// duplication, no omission.
			require.Equal(t, tc.ids, union)
		})
	}
}

func TestChunkIsExhaustiveAndDisjoint(t *testing.T) {
	var ids []string
	for i := 0; i < 1037; i++ {
		ids = append(ids, fmt.Sprintf("id-%04d", i))
	}

	chunks := Chunk(ids, 100)
	require.Len(t, chunks, 11)

	seen := make(map[string]int)
	for _, chunk := range chunks {
		for _, id := range chunk {
			seen[id]++
		}
	}

	require.Len(t, seen, len(ids))
	for id, count := range seen {
		require.Equal(t, 1, count, "id %s covered %d times", id, count)
	}
}

func TestScheduleEnqueuesEveryChunk(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	q := &captureQueue{}

	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id", BatchSize: 2},
	)
	p := New(ds, q, registry)

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2", "p3", "p4", "p5"})

	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "al1",
	})
	require.NoError(t, err)

	require.NoError(t, p.Scheduler().Schedule(ctx, batch))

	tasks := q.all()
	require.Len(t, tasks, 3)

	var union []string
	for i, task := range tasks {
		require.Equal(t, batch.ID, task.BatchID)
		require.Equal(t, "photo", task.ChildType)
		require.Equal(t, i, task.Seq)
		union = append(union, task.IDs...)
	}
	require.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, union)

	pending, err := ds.ListPendingBatches(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, storage.BatchStateScheduled, pending[0].State)
}

func TestScheduleSkipsTerminalChunks(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	q := &captureQueue{}

	registry := MustNewRegistry(
		Declaration{ParentType: "album", ChildType: "photo", Field: "album_id", BatchSize: 2},
	)
	p := New(ds, q, registry)

	writeFamily(t, ds, "album", "al1", "photo", "album_id", []string{"p1", "p2", "p3", "p4"})

	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "al1",
	})
	require.NoError(t, err)

	require.NoError(t, p.Scheduler().Schedule(ctx, batch))
	require.Len(t, q.all(), 2)

	_, err = ds.CompleteChunk(ctx, batch.ID, 0)
	require.NoError(t, err)

	// Re-scheduling (the resume path) re-enqueues only the surviving chunk.
	require.NoError(t, p.Scheduler().Schedule(ctx, batch))

	tasks := q.all()
	require.Len(t, tasks, 3)
	require.Equal(t, 1, tasks[2].Seq)
	require.Equal(t, []string{"p3", "p4"}, tasks[2].IDs)
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
