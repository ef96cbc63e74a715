// Package sqlite provides a SQLite based implementation of [storage.Datastore].
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hannigan/hannigan/pkg/logger"
	"github.com/hannigan/hannigan/pkg/storage"
	"github.com/hannigan/hannigan/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("hannigan/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying
// defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "hannigan")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// WriteRecord see [storage.RecordBackend].WriteRecord.
func (s *Datastore) WriteRecord(ctx context.Context, record *storage.Record) error {
	ctx, span := startTrace(ctx, "WriteRecord")
	defer span.End()

	err := busyRetry(func() error {
		_, err := s.stbl.
			Insert("record").
			Columns("entity_type", "id", "inserted_at").
			Values(record.EntityType, record.ID, sq.Expr("datetime('subsec')")).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrCollision
		}
		return HandleSQLError(err)
	}

	return nil
}

// ReadRecord see [storage.RecordBackend].ReadRecord.
func (s *Datastore) ReadRecord(ctx context.Context, entityType, id string) (*storage.Record, error) {
	ctx, span := startTrace(ctx, "ReadRecord")
	defer span.End()

	var record storage.Record
	err := s.stbl.
		Select("entity_type", "id", "inserted_at").
		From("record").
		Where(sq.Eq{"entity_type": entityType, "id": id}).
		QueryRowContext(ctx).
		Scan(&record.EntityType, &record.ID, &record.InsertedAt)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	return &record, nil
}

// DeleteRecord see [storage.RecordBackend].DeleteRecord. The record row and
// its link rows are removed together; deleting an absent record is a no-op.
func (s *Datastore) DeleteRecord(ctx context.Context, entityType, id string) error {
	ctx, span := startTrace(ctx, "DeleteRecord")
	defer span.End()

	txn, err := s.beginTx(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	err = busyRetry(func() error {
		_, err := s.stbl.
			Delete("record").
			Where(sq.Eq{"entity_type": entityType, "id": id}).
			RunWith(txn).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Delete("link").
			Where(sq.Eq{"child_type": entityType, "child_id": id}).
			RunWith(txn).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return s.commit(txn)
}

// WriteLink see [storage.RecordBackend].WriteLink.
func (s *Datastore) WriteLink(ctx context.Context, link *storage.Link) error {
	ctx, span := startTrace(ctx, "WriteLink")
	defer span.End()

	err := busyRetry(func() error {
		_, err := s.stbl.
			Insert("link").
			Columns("child_type", "child_id", "field", "parent_type", "parent_id", "inserted_at").
			Values(link.ChildType, link.ChildID, link.Field, link.ParentType, link.ParentID, sq.Expr("datetime('subsec')")).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrCollision
		}
		return HandleSQLError(err)
	}

	return nil
}

// ReadChildIDs see [storage.RecordBackend].ReadChildIDs.
func (s *Datastore) ReadChildIDs(ctx context.Context, req storage.DetachRequest) ([]string, error) {
	ctx, span := startTrace(ctx, "ReadChildIDs")
	defer span.End()

	rows, err := s.stbl.
		Select("child_id").
		From("link").
		Where(sq.Eq{
			"child_type":  req.ChildType,
			"field":       req.Field,
			"parent_type": req.ParentType,
			"parent_id":   req.ParentID,
		}).
		OrderBy("child_id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// DetachChildren see [storage.OrphanBackend].DetachChildren. The id select,
// the bulk nullify update, and the orphan-batch insert run in one transaction
// so a crash cannot separate the orphans from their durable marker.
func (s *Datastore) DetachChildren(ctx context.Context, req storage.DetachRequest) (*storage.OrphanBatch, error) {
	ctx, span := startTrace(ctx, "DetachChildren")
	defer span.End()

	txn, err := s.beginTx(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	parentFilter := sq.Eq{
		"child_type":  req.ChildType,
		"field":       req.Field,
		"parent_type": req.ParentType,
		"parent_id":   req.ParentID,
	}

	rows, err := s.stbl.
		Select("child_id").
		From("link").
		Where(parentFilter).
		OrderBy("child_id").
		RunWith(txn).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, s.commit(txn)
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Update("link").
			Set("parent_type", "").
			Set("parent_id", "").
			Where(parentFilter).
			RunWith(txn).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return nil, HandleSQLError(err)
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

	marshalledIDs, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("orphan_batch").
			Columns("id", "child_type", "field", "parent_id", "ids", "state", "created_at").
			Values(batch.ID, batch.ChildType, batch.Field, batch.ParentID, marshalledIDs, batch.State, sq.Expr("datetime('subsec')")).
			RunWith(txn).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return nil, HandleSQLError(err)
	}

	if err := s.commit(txn); err != nil {
		return nil, err
	}

	return batch, nil
}

// ListPendingBatches see [storage.OrphanBackend].ListPendingBatches.
func (s *Datastore) ListPendingBatches(ctx context.Context) ([]*storage.OrphanBatch, error) {
	ctx, span := startTrace(ctx, "ListPendingBatches")
	defer span.End()

	rows, err := s.stbl.
		Select("id", "child_type", "field", "parent_id", "ids", "state", "created_at").
		From("orphan_batch").
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var batches []*storage.OrphanBatch
	for rows.Next() {
		var batch storage.OrphanBatch
		var marshalledIDs []byte
		err = rows.Scan(&batch.ID, &batch.ChildType, &batch.Field, &batch.ParentID, &marshalledIDs, &batch.State, &batch.CreatedAt)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		if err := json.Unmarshal(marshalledIDs, &batch.IDs); err != nil {
			return nil, err
		}
		batches = append(batches, &batch)
	}

	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return batches, nil
}

// MarkBatchScheduled see [storage.OrphanBackend].MarkBatchScheduled.
func (s *Datastore) MarkBatchScheduled(ctx context.Context, batchID string, chunks [][]string) ([]*storage.PurgeChunk, error) {
	ctx, span := startTrace(ctx, "MarkBatchScheduled")
	defer span.End()

	txn, err := s.beginTx(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	var state storage.BatchState
	err = s.stbl.
		Select("state").
		From("orphan_batch").
		Where(sq.Eq{"id": batchID}).
		RunWith(txn).
		QueryRowContext(ctx).
		Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.BatchNotFoundError(batchID)
		}
		return nil, HandleSQLError(err)
	}

	if state != storage.BatchStateScheduled {
		insert := s.stbl.
			Insert("purge_chunk").
			Columns("batch_id", "seq", "ids", "state", "attempts", "last_error")
		for seq, ids := range chunks {
			marshalledIDs, err := json.Marshal(ids)
			if err != nil {
				return nil, err
			}
			insert = insert.Values(batchID, seq, marshalledIDs, storage.ChunkStatePending, 0, "")
		}

		err = busyRetry(func() error {
			_, err := insert.RunWith(txn).ExecContext(ctx)
			return err
		})
		if err != nil {
			return nil, HandleSQLError(err)
		}

		err = busyRetry(func() error {
			_, err := s.stbl.
				Update("orphan_batch").
				Set("state", storage.BatchStateScheduled).
				Where(sq.Eq{"id": batchID}).
				RunWith(txn).
				ExecContext(ctx)
			return err
		})
		if err != nil {
			return nil, HandleSQLError(err)
		}
	}

	stored, err := s.readChunks(ctx, txn, batchID)
	if err != nil {
		return nil, err
	}

	if err := s.commit(txn); err != nil {
		return nil, err
	}

	return stored, nil
}

// StartChunk see [storage.OrphanBackend].StartChunk.
func (s *Datastore) StartChunk(ctx context.Context, batchID string, seq int) (int, error) {
	ctx, span := startTrace(ctx, "StartChunk")
	defer span.End()

	var attempts int
	err := busyRetry(func() error {
		return s.stbl.
			Update("purge_chunk").
			Set("state", storage.ChunkStateRunning).
			Set("attempts", sq.Expr("attempts + 1")).
			Where(sq.Eq{"batch_id": batchID, "seq": seq}).
			Where(sq.NotEq{"state": []storage.ChunkState{storage.ChunkStateCompleted, storage.ChunkStateFailed}}).
			Suffix("returning attempts").
			QueryRowContext(ctx).
			Scan(&attempts)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the chunk does not exist or it is terminal.
			var state storage.ChunkState
			err := s.stbl.
				Select("state").
				From("purge_chunk").
				Where(sq.Eq{"batch_id": batchID, "seq": seq}).
				QueryRowContext(ctx).
				Scan(&state)
			if err != nil {
				return 0, HandleSQLError(err)
			}
			return 0, storage.ErrChunkTerminal
		}
		return 0, HandleSQLError(err)
	}

	return attempts, nil
}

// CompleteChunk see [storage.OrphanBackend].CompleteChunk. When the last
// chunk of a batch completes, the batch row and its chunk rows are removed
// in the same transaction.
func (s *Datastore) CompleteChunk(ctx context.Context, batchID string, seq int) (int, error) {
	ctx, span := startTrace(ctx, "CompleteChunk")
	defer span.End()

	txn, err := s.beginTx(ctx)
	if err != nil {
		return 0, HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	err = busyRetry(func() error {
		_, err := s.stbl.
			Update("purge_chunk").
			Set("state", storage.ChunkStateCompleted).
			Where(sq.Eq{"batch_id": batchID, "seq": seq}).
			RunWith(txn).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return 0, HandleSQLError(err)
	}

	var remaining int
	err = s.stbl.
		Select("count(*)").
		From("purge_chunk").
		Where(sq.Eq{"batch_id": batchID}).
		Where(sq.NotEq{"state": storage.ChunkStateCompleted}).
		RunWith(txn).
		QueryRowContext(ctx).
		Scan(&remaining)
	if err != nil {
		return 0, HandleSQLError(err)
	}

	if remaining == 0 {
		for _, table := range []string{"purge_chunk", "orphan_batch"} {
			where := sq.Eq{"batch_id": batchID}
			if table == "orphan_batch" {
				where = sq.Eq{"id": batchID}
			}
			err = busyRetry(func() error {
				_, err := s.stbl.Delete(table).Where(where).RunWith(txn).ExecContext(ctx)
				return err
			})
			if err != nil {
				return 0, HandleSQLError(err)
			}
		}
	}

	if err := s.commit(txn); err != nil {
		return 0, err
	}

	return remaining, nil
}

// RequeueChunk see [storage.OrphanBackend].RequeueChunk.
func (s *Datastore) RequeueChunk(ctx context.Context, batchID string, seq int, lastError string) error {
	ctx, span := startTrace(ctx, "RequeueChunk")
	defer span.End()

	return s.setChunkState(ctx, batchID, seq, storage.ChunkStatePending, lastError)
}

// FailChunk see [storage.OrphanBackend].FailChunk.
func (s *Datastore) FailChunk(ctx context.Context, batchID string, seq int, lastError string) error {
	ctx, span := startTrace(ctx, "FailChunk")
	defer span.End()

	return s.setChunkState(ctx, batchID, seq, storage.ChunkStateFailed, lastError)
}

func (s *Datastore) setChunkState(ctx context.Context, batchID string, seq int, state storage.ChunkState, lastError string) error {
	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("purge_chunk").
			Set("state", state).
			Set("last_error", lastError).
			Where(sq.Eq{"batch_id": batchID, "seq": seq}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if rowsAffected == 0 {
		return storage.BatchNotFoundError(batchID)
	}

	return nil
}

// ReadChunks see [storage.OrphanBackend].ReadChunks.
func (s *Datastore) ReadChunks(ctx context.Context, batchID string) ([]*storage.PurgeChunk, error) {
	ctx, span := startTrace(ctx, "ReadChunks")
	defer span.End()

	chunks, err := s.readChunks(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, storage.BatchNotFoundError(batchID)
	}

	return chunks, nil
}

func (s *Datastore) readChunks(ctx context.Context, txn *sql.Tx, batchID string) ([]*storage.PurgeChunk, error) {
	sb := s.stbl.
		Select("batch_id", "seq", "ids", "state", "attempts", "last_error").
		From("purge_chunk").
		Where(sq.Eq{"batch_id": batchID}).
		OrderBy("seq")
	if txn != nil {
		sb = sb.RunWith(txn)
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var chunks []*storage.PurgeChunk
	for rows.Next() {
		var chunk storage.PurgeChunk
		var marshalledIDs []byte
		err = rows.Scan(&chunk.BatchID, &chunk.Seq, &marshalledIDs, &chunk.State, &chunk.Attempts, &chunk.LastError)
		if err != nil {
			return nil, HandleSQLError(err)
		}
		if err := json.Unmarshal(marshalledIDs, &chunk.IDs); err != nil {
			return nil, err
		}
		chunks = append(chunks, &chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return chunks, nil
}

func (s *Datastore) beginTx(ctx context.Context) (*sql.Tx, error) {
	var txn *sql.Tx
	err := busyRetry(func() error {
		var err error
		txn, err = s.db.BeginTx(ctx, nil)
		return err
	})
	return txn, err
}

func (s *Datastore) commit(txn *sql.Tx) error {
	err := busyRetry(func() error {
		return txn.Commit()
	})
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, HandleSQLError(err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return ids, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if isConstraintError(err) {
		return storage.ErrConstraintViolation
	}

	return fmt.Errorf("sql error: %w", err)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. This function retries the operation up to
// maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
