package purge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hannigan/hannigan/pkg/queue"
	"github.com/hannigan/hannigan/pkg/storage"
)

// Destroyer is the purge task body: it loads each orphan in the chunk and
// runs its full destruction path, so nested relationships cascade through
// the same pipeline.
type Destroyer struct {
	purger *Purger
}

// RecordFailure describes one orphan that was permanently rejected.
type RecordFailure struct {
	ID  string
	Err error
}

// ChunkReport summarizes one task delivery. Permanent failures never block
// sibling identifiers and are reported rather than dropped.
type ChunkReport struct {
	BatchID   string
	Seq       int
	Destroyed int
	Failures  []RecordFailure
}

func (r *ChunkReport) errorSummary() string {
	parts := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.ID, f.Err))
	}
	return strings.Join(parts, "; ")
}

// Handle processes one task delivery. Contract with the queue: a nil return
// acknowledges the task; an error return requests redelivery. Redelivered
// chunks whose records were already destroyed are a no-op.
func (d *Destroyer) Handle(ctx context.Context, task *queue.Task) error {
	p := d.purger

	_, err := p.ds.StartChunk(ctx, task.BatchID, task.Seq)
	if err != nil {
		if errors.Is(err, storage.ErrChunkTerminal) || errors.Is(err, storage.ErrNotFound) {
			// A previous delivery already finished this chunk.
			return nil
		}
		return err
	}

	report := &ChunkReport{BatchID: task.BatchID, Seq: task.Seq}

	for _, id := range task.IDs {
		err := d.destroyWithRetry(ctx, task.ChildType, id)
		if err == nil {
			report.Destroyed++
			recordsDestroyed.Inc()
			continue
		}

		if IsPermanent(err) {
			report.Failures = append(report.Failures, RecordFailure{ID: id, Err: err})
			continue
		}

		// Transient retries exhausted: hand the chunk back for redelivery.
		if requeueErr := p.ds.RequeueChunk(ctx, task.BatchID, task.Seq, err.Error()); requeueErr != nil {
			p.logger.Error("failed to requeue chunk",
				zap.String("batch_id", task.BatchID),
				zap.Int("seq", task.Seq),
				zap.Error(requeueErr),
			)
		}
		return fmt.Errorf("destroy %s:%s: %w", task.ChildType, id, err)
	}

	if len(report.Failures) > 0 {
		chunksFailed.Inc()
		p.logger.Error("chunk finished with permanent failures",
			zap.String("batch_id", report.BatchID),
			zap.Int("seq", report.Seq),
			zap.Int("destroyed", report.Destroyed),
			zap.Int("failed", len(report.Failures)),
			zap.String("failures", report.errorSummary()),
		)
		return p.ds.FailChunk(ctx, task.BatchID, task.Seq, report.errorSummary())
	}

	remaining, err := p.ds.CompleteChunk(ctx, task.BatchID, task.Seq)
	if err != nil {
		return err
	}

	chunksCompleted.Inc()
	p.logger.Debug("chunk completed",
		zap.String("batch_id", task.BatchID),
		zap.Int("seq", task.Seq),
		zap.Int("destroyed", report.Destroyed),
		zap.Int("chunks_remaining", remaining),
	)

	return nil
}

// destroyWithRetry retries transient store errors with exponential backoff
// up to the purger's attempt limit. Permanent rejections abort immediately.
func (d *Destroyer) destroyWithRetry(ctx context.Context, entityType, id string) error {
	p := d.purger

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryInterval

	attempts := p.destroyAttempts
	if attempts < 1 {
		attempts = 1
	}

	operation := func() error {
		err := p.Destroy(ctx, entityType, id)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
}
