package purge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hannigan/hannigan/pkg/queue"
	"github.com/hannigan/hannigan/pkg/storage"
)

// Scheduler fans an orphan batch out into bounded purge tasks.
type Scheduler struct {
	purger *Purger
}

// Chunk splits ids into ordered slices of at most size elements. The union
// of the chunks is exactly ids, chunks do not overlap, and no chunk is
// empty.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = storage.DefaultBatchSize
	}

	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	return chunks
}

// Schedule persists the batch's chunk split, flips it to scheduled, and
// enqueues one task per non-terminal chunk. Scheduling an already scheduled
// batch re-enqueues only its surviving chunks, which makes the operation
// safe for the startup resume path.
func (s *Scheduler) Schedule(ctx context.Context, batch *storage.OrphanBatch) error {
	p := s.purger

	size := storage.DefaultBatchSize
	if decl, ok := p.registry.Lookup(batch.ChildType, batch.Field); ok {
		size = decl.batchSize()
	} else {
		p.logger.Warn("scheduling batch for undeclared relationship",
			zap.String("batch_id", batch.ID),
			zap.String("child_type", batch.ChildType),
			zap.String("field", batch.Field),
		)
	}

	chunks, err := p.ds.MarkBatchScheduled(ctx, batch.ID, Chunk(batch.IDs, size))
	if err != nil {
		return fmt.Errorf("schedule batch %s: %w", batch.ID, err)
	}

	enqueued := 0
	for _, chunk := range chunks {
		if chunk.Terminal() {
			continue
		}

		taskID, err := p.queue.Enqueue(ctx, &queue.Task{
			BatchID:   batch.ID,
			ChildType: batch.ChildType,
			Seq:       chunk.Seq,
			IDs:       chunk.IDs,
			Attempts:  chunk.Attempts,
		})
		if err != nil {
			// The chunk row survives; the resume path picks it up.
			return fmt.Errorf("enqueue chunk %d of batch %s: %w", chunk.Seq, batch.ID, err)
		}

		enqueued++
		p.logger.Debug("purge task enqueued",
			zap.String("batch_id", batch.ID),
			zap.Int("seq", chunk.Seq),
			zap.String("task_id", taskID),
			zap.Int("ids", len(chunk.IDs)),
		)
	}

	batchesScheduled.Inc()
	p.logger.Info("orphan batch scheduled",
		zap.String("batch_id", batch.ID),
		zap.String("child_type", batch.ChildType),
		zap.Int("chunks", enqueued),
	)

	return nil
}

// ResumePending reschedules every batch that survived a crash between
// nullification and purge completion. Call it once at process startup,
// after the queue workers are running. Each surviving batch is purged
// exactly once: completed chunks are skipped, the rest are re-enqueued and
// destruction itself is idempotent.
func (s *Scheduler) ResumePending(ctx context.Context) error {
	batches, err := s.purger.ds.ListPendingBatches(ctx)
	if err != nil {
		return fmt.Errorf("list pending batches: %w", err)
	}

	for _, batch := range batches {
		if err := s.Schedule(ctx, batch); err != nil {
			return err
		}
	}

	if len(batches) > 0 {
		s.purger.logger.Info("resumed interrupted purges", zap.Int("batches", len(batches)))
	}

	return nil
}
