// Package storage contains the datastore interfaces and record types backing
// the nullify-then-purge pipeline.
package storage

import (
	"context"
	"time"
)

const (
	// DefaultBatchSize bounds the number of identifiers handled by a single
	// purge task when a relationship declaration does not set its own.
	DefaultBatchSize = 100
)

// BatchState tracks an orphan batch between nullification and final purge.
type BatchState string

const (
	BatchStatePending   BatchState = "pending"
	BatchStateScheduled BatchState = "scheduled"
)

// ChunkState tracks one purge chunk through its lifecycle.
// Transitions: pending -> running -> {completed | pending (retryable) | failed}.
type ChunkState string

const (
	ChunkStatePending   ChunkState = "pending"
	ChunkStateRunning   ChunkState = "running"
	ChunkStateCompleted ChunkState = "completed"
	ChunkStateFailed    ChunkState = "failed"
)

// Record is one live entity row, identified by (EntityType, ID).
type Record struct {
	EntityType string
	ID         string
	InsertedAt time.Time
}

// Link is the stored value of a child's parent-reference field. A nullified
// link keeps its row but has empty ParentType and ParentID.
type Link struct {
	ChildType  string
	ChildID    string
	Field      string
	ParentType string
	ParentID   string
	InsertedAt time.Time
}

// Nullified reports whether the link's parent reference has been cleared.
func (l *Link) Nullified() bool {
	return l.ParentType == "" && l.ParentID == ""
}

// OrphanBatch is the durable marker for a set of children detached from one
// parent. It is written in the same transaction as the nullification and
// deleted only once every chunk covering it has completed.
type OrphanBatch struct {
	ID        string
	ChildType string
	Field     string
	ParentID  string
	IDs       []string
	State     BatchState
	CreatedAt time.Time
}

// PurgeChunk is the durable bookkeeping row for one bounded slice of an
// orphan batch. Seq orders chunks within their batch.
type PurgeChunk struct {
	BatchID   string
	Seq       int
	IDs       []string
	State     ChunkState
	Attempts  int
	LastError string
}

// Terminal reports whether the chunk has reached a terminal state.
func (c *PurgeChunk) Terminal() bool {
	return c.State == ChunkStateCompleted || c.State == ChunkStateFailed
}

// DetachRequest identifies the child rows to nullify: every link of
// ChildType whose Field currently references (ParentType, ParentID).
type DetachRequest struct {
	ChildType  string
	Field      string
	ParentType string
	ParentID   string
}

// RecordBackend provides R/W access to entity records and their links.
type RecordBackend interface {
	// WriteRecord inserts a record. Inserting a duplicate (EntityType, ID)
	// returns ErrCollision.
	WriteRecord(ctx context.Context, record *Record) error

	// ReadRecord returns the record or ErrNotFound.
	ReadRecord(ctx context.Context, entityType, id string) (*Record, error)

	// DeleteRecord removes a record. Deleting an absent record is a no-op,
	// not an error; purge tasks may be redelivered.
	DeleteRecord(ctx context.Context, entityType, id string) error

	// WriteLink inserts a link row for a child's parent-reference field.
	WriteLink(ctx context.Context, link *Link) error

	// ReadChildIDs returns the ids of all children whose link field still
	// references the given parent. Used for diagnostics and tests.
	ReadChildIDs(ctx context.Context, req DetachRequest) ([]string, error)
}

// OrphanBackend persists orphan batches and their purge chunks.
type OrphanBackend interface {
	// DetachChildren executes the nullification: a single bulk update
	// clearing the parent reference of every matching link, plus the
	// orphan-batch insert, in one transaction. It returns nil when the
	// parent has no children. A store rejection rolls the whole
	// transaction back and returns ErrConstraintViolation.
	DetachChildren(ctx context.Context, req DetachRequest) (*OrphanBatch, error)

	// ListPendingBatches returns every batch that has not finished purging,
	// oldest first. Used by the startup resume path.
	ListPendingBatches(ctx context.Context) ([]*OrphanBatch, error)

	// MarkBatchScheduled persists the chunk rows for a batch and flips it to
	// scheduled, atomically. Calling it again for an already scheduled
	// batch ignores the proposed split and returns the stored chunks, so
	// recovery re-enqueues exactly the surviving bookkeeping.
	MarkBatchScheduled(ctx context.Context, batchID string, chunks [][]string) ([]*PurgeChunk, error)

	// StartChunk moves a chunk to running and increments its attempt
	// counter, returning the new count. Starting a terminal chunk returns
	// ErrChunkTerminal.
	StartChunk(ctx context.Context, batchID string, seq int) (int, error)

	// CompleteChunk marks a chunk completed and returns how many chunks of
	// the batch remain non-completed. When none remain the batch row and
	// its chunk rows are deleted in the same transaction.
	CompleteChunk(ctx context.Context, batchID string, seq int) (int, error)

	// RequeueChunk moves a running chunk back to pending after a retryable
	// failure, recording the error.
	RequeueChunk(ctx context.Context, batchID string, seq int, lastError string) error

	// FailChunk moves a chunk to its terminal failed state, recording the
	// error that exhausted it.
	FailChunk(ctx context.Context, batchID string, seq int, lastError string) error

	// ReadChunks returns the chunk rows of a batch ordered by Seq.
	ReadChunks(ctx context.Context, batchID string) ([]*PurgeChunk, error)
}

// Datastore is the full persistence surface required by the purge pipeline.
type Datastore interface {
	RecordBackend
	OrphanBackend

	// Close releases the datastore's resources.
	Close()
}
