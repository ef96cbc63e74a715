// Package memory provides an in-memory implementation of [storage.Datastore].
// It mirrors the transactional semantics of the sql engines and is the
// default engine for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hannigan/hannigan/pkg/storage"
)

type batchEntry struct {
	batch  *storage.OrphanBatch
	chunks []*storage.PurgeChunk
}

// Datastore is a mutex-guarded map implementation of [storage.Datastore].
type Datastore struct {
	mu      sync.Mutex
	records map[string]*storage.Record
	links   map[string]*storage.Link
	batches map[string]*batchEntry
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates an empty in-memory [Datastore].
func New() *Datastore {
	return &Datastore{
		records: make(map[string]*storage.Record),
		links:   make(map[string]*storage.Link),
		batches: make(map[string]*batchEntry),
	}
}

// Close see [storage.Datastore].Close.
func (d *Datastore) Close() {}

func recordKey(entityType, id string) string {
	return entityType + "/" + id
}

func linkKey(childType, field, childID string) string {
	return childType + "/" + field + "/" + childID
}

// WriteRecord see [storage.RecordBackend].WriteRecord.
func (d *Datastore) WriteRecord(ctx context.Context, record *storage.Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := recordKey(record.EntityType, record.ID)
	if _, ok := d.records[key]; ok {
		return storage.ErrCollision
	}

	stored := *record
	if stored.InsertedAt.IsZero() {
		stored.InsertedAt = time.Now().UTC()
	}
	d.records[key] = &stored

	return nil
}

// ReadRecord see [storage.RecordBackend].ReadRecord.
func (d *Datastore) ReadRecord(ctx context.Context, entityType, id string) (*storage.Record, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.records[recordKey(entityType, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}

	copied := *record
	return &copied, nil
}

// DeleteRecord see [storage.RecordBackend].DeleteRecord. Absent records are
// a no-op so redelivered purge tasks stay idempotent.
func (d *Datastore) DeleteRecord(ctx context.Context, entityType, id string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.records, recordKey(entityType, id))

	for key, link := range d.links {
		if link.ChildType == entityType && link.ChildID == id {
			delete(d.links, key)
		}
	}

	return nil
}

// WriteLink see [storage.RecordBackend].WriteLink.
func (d *Datastore) WriteLink(ctx context.Context, link *storage.Link) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := linkKey(link.ChildType, link.Field, link.ChildID)
	if _, ok := d.links[key]; ok {
		return storage.ErrCollision
	}

	stored := *link
	if stored.InsertedAt.IsZero() {
		stored.InsertedAt = time.Now().UTC()
	}
	d.links[key] = &stored

	return nil
}

// ReadChildIDs see [storage.RecordBackend].ReadChildIDs.
func (d *Datastore) ReadChildIDs(ctx context.Context, req storage.DetachRequest) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.childIDs(req), nil
}

// childIDs must be called with the mutex held. IDs are returned sorted so
// callers observe a deterministic order regardless of map iteration.
func (d *Datastore) childIDs(req storage.DetachRequest) []string {
	var ids []string
	for _, link := range d.links {
		if link.ChildType == req.ChildType &&
			link.Field == req.Field &&
			link.ParentType == req.ParentType &&
			link.ParentID == req.ParentID {
			ids = append(ids, link.ChildID)
		}
	}
	sort.Strings(ids)
	return ids
}

// DetachChildren see [storage.OrphanBackend].DetachChildren.
func (d *Datastore) DetachChildren(ctx context.Context, req storage.DetachRequest) (*storage.OrphanBatch, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ids := d.childIDs(req)
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		link := d.links[linkKey(req.ChildType, req.Field, id)]
		link.ParentType = ""
		link.ParentID = ""
	}

	now := time.Now().UTC()
	batch := &storage.OrphanBatch{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ChildType: req.ChildType,
		Field:     req.Field,
		ParentID:  req.ParentID,
		IDs:       ids,
		State:     storage.BatchStatePending,
		CreatedAt: now,
	}
	d.batches[batch.ID] = &batchEntry{batch: batch}

	copied := *batch
	copied.IDs = append([]string(nil), ids...)
	return &copied, nil
}

// ListPendingBatches see [storage.OrphanBackend].ListPendingBatches.
func (d *Datastore) ListPendingBatches(ctx context.Context) ([]*storage.OrphanBatch, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batches := make([]*storage.OrphanBatch, 0, len(d.batches))
	for _, entry := range d.batches {
		copied := *entry.batch
		copied.IDs = append([]string(nil), entry.batch.IDs...)
		batches = append(batches, &copied)
	}

	sort.Slice(batches, func(i, j int) bool {
		return batches[i].ID < batches[j].ID
	})

	return batches, nil
}

// MarkBatchScheduled see [storage.OrphanBackend].MarkBatchScheduled.
func (d *Datastore) MarkBatchScheduled(ctx context.Context, batchID string, chunks [][]string) ([]*storage.PurgeChunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.batches[batchID]
	if !ok {
		return nil, storage.BatchNotFoundError(batchID)
	}

	if entry.batch.State != storage.BatchStateScheduled {
		entry.chunks = make([]*storage.PurgeChunk, 0, len(chunks))
		for seq, ids := range chunks {
			entry.chunks = append(entry.chunks, &storage.PurgeChunk{
				BatchID: batchID,
				Seq:     seq,
				IDs:     append([]string(nil), ids...),
				State:   storage.ChunkStatePending,
			})
		}
		entry.batch.State = storage.BatchStateScheduled
	}

	return copyChunks(entry.chunks), nil
}

// StartChunk see [storage.OrphanBackend].StartChunk.
func (d *Datastore) StartChunk(ctx context.Context, batchID string, seq int) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chunk, err := d.chunk(batchID, seq)
	if err != nil {
		return 0, err
	}
	if chunk.Terminal() {
		return chunk.Attempts, storage.ErrChunkTerminal
	}

	chunk.State = storage.ChunkStateRunning
	chunk.Attempts++

	return chunk.Attempts, nil
}

// CompleteChunk see [storage.OrphanBackend].CompleteChunk.
func (d *Datastore) CompleteChunk(ctx context.Context, batchID string, seq int) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.batches[batchID]
	if !ok {
		return 0, storage.BatchNotFoundError(batchID)
	}

	chunk, err := d.chunk(batchID, seq)
	if err != nil {
		return 0, err
	}
	chunk.State = storage.ChunkStateCompleted

	remaining := 0
	for _, c := range entry.chunks {
		if c.State != storage.ChunkStateCompleted {
			remaining++
		}
	}

	if remaining == 0 {
		delete(d.batches, batchID)
	}

	return remaining, nil
}

// RequeueChunk see [storage.OrphanBackend].RequeueChunk.
func (d *Datastore) RequeueChunk(ctx context.Context, batchID string, seq int, lastError string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chunk, err := d.chunk(batchID, seq)
	if err != nil {
		return err
	}

	chunk.State = storage.ChunkStatePending
	chunk.LastError = lastError

	return nil
}

// FailChunk see [storage.OrphanBackend].FailChunk.
func (d *Datastore) FailChunk(ctx context.Context, batchID string, seq int, lastError string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chunk, err := d.chunk(batchID, seq)
	if err != nil {
		return err
	}

	chunk.State = storage.ChunkStateFailed
	chunk.LastError = lastError

	return nil
}

// ReadChunks see [storage.OrphanBackend].ReadChunks.
func (d *Datastore) ReadChunks(ctx context.Context, batchID string) ([]*storage.PurgeChunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.batches[batchID]
	if !ok {
		return nil, storage.BatchNotFoundError(batchID)
	}

	return copyChunks(entry.chunks), nil
}

// chunk must be called with the mutex held.
func (d *Datastore) chunk(batchID string, seq int) (*storage.PurgeChunk, error) {
	entry, ok := d.batches[batchID]
	if !ok {
		return nil, storage.BatchNotFoundError(batchID)
	}
	if seq < 0 || seq >= len(entry.chunks) {
		return nil, storage.BatchNotFoundError(batchID)
	}
	return entry.chunks[seq], nil
}

func copyChunks(chunks []*storage.PurgeChunk) []*storage.PurgeChunk {
	copied := make([]*storage.PurgeChunk, 0, len(chunks))
	for _, c := range chunks {
		cc := *c
		cc.IDs = append([]string(nil), c.IDs...)
		copied = append(copied, &cc)
	}
	return copied
}
