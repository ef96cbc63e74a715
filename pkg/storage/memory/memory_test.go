package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hannigan/hannigan/pkg/storage"
	"github.com/hannigan/hannigan/pkg/storage/test"
)

func TestMemoryDatastore(t *testing.T) {
	ds := New()
	defer ds.Close()

	test.RunAllTests(t, ds)
}

func TestDetachIsDeterministic(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: "album", ID: "a"}))
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: "photo", ID: id}))
		require.NoError(t, ds.WriteLink(ctx, &storage.Link{
			ChildType:  "photo",
			ChildID:    id,
			Field:      "album_id",
			ParentType: "album",
			ParentID:   "a",
		}))
	}

	batch, err := ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "a",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, batch.IDs)
}

func TestDeleteRecordRemovesItsLinks(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	require.NoError(t, ds.WriteRecord(ctx, &storage.Record{EntityType: "photo", ID: "p"}))
	require.NoError(t, ds.WriteLink(ctx, &storage.Link{
		ChildType:  "photo",
		ChildID:    "p",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "a",
	}))

	require.NoError(t, ds.DeleteRecord(ctx, "photo", "p"))

	ids, err := ds.ReadChildIDs(ctx, storage.DetachRequest{
		ChildType:  "photo",
		Field:      "album_id",
		ParentType: "album",
		ParentID:   "a",
	})
	require.NoError(t, err)
	require.Empty(t, ids)
}
