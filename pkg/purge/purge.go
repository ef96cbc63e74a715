package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hannigan/hannigan/pkg/logger"
	"github.com/hannigan/hannigan/pkg/queue"
	"github.com/hannigan/hannigan/pkg/storage"
)

const (
	// DefaultDestroyAttempts bounds per-record retries of transient store
	// errors inside one task delivery.
	DefaultDestroyAttempts = 3

	// DefaultRetryInterval is the initial backoff between per-record
	// retries.
	DefaultRetryInterval = 50 * time.Millisecond
)

// Hook runs inside a record's destruction path, before its relationships
// cascade. Returning an error wrapped with [Permanent] rejects the record
// without retry; any other error is treated as transient.
type Hook func(ctx context.Context, record *storage.Record) error

// Purger is the entry point of the nullify-then-purge pipeline. Destroying a
// record detaches its declared children synchronously and schedules their
// asynchronous destruction.
type Purger struct {
	ds       storage.Datastore
	queue    queue.Queue
	registry *Registry
	logger   logger.Logger

	hooks map[string][]Hook

	destroyAttempts int
	retryInterval   time.Duration
}

// Option configures a Purger at construction time.
type Option func(*Purger)

// WithLogger sets the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Purger) {
		p.logger = l
	}
}

// WithHook registers a before-destroy hook for an entity type. Hooks run in
// registration order. Registration happens only at construction time; the
// hook table is read-only afterwards.
func WithHook(entityType string, hook Hook) Option {
	return func(p *Purger) {
		p.hooks[entityType] = append(p.hooks[entityType], hook)
	}
}

// WithDestroyAttempts bounds per-record transient retries.
func WithDestroyAttempts(n int) Option {
	return func(p *Purger) {
		p.destroyAttempts = n
	}
}

// WithRetryInterval sets the initial per-record retry backoff.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Purger) {
		p.retryInterval = d
	}
}

// New builds a Purger over the given datastore, task queue and registry.
func New(ds storage.Datastore, q queue.Queue, registry *Registry, opts ...Option) *Purger {
	p := &Purger{
		ds:              ds,
		queue:           q,
		registry:        registry,
		logger:          logger.NewNoopLogger(),
		hooks:           make(map[string][]Hook),
		destroyAttempts: DefaultDestroyAttempts,
		retryInterval:   DefaultRetryInterval,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Scheduler returns the purger's batch scheduler.
func (p *Purger) Scheduler() *Scheduler {
	return &Scheduler{purger: p}
}

// Destroyer returns the queue handler performing the purge tasks.
func (p *Purger) Destroyer() *Destroyer {
	return &Destroyer{purger: p}
}

// Destroy runs the complete destruction path for one record: before-destroy
// hooks, then for each declared child relationship a synchronous bulk detach
// plus asynchronous purge scheduling, then removal of the record itself.
// Destroying an absent record is a no-op, so redelivered purge tasks are
// safe.
func (p *Purger) Destroy(ctx context.Context, entityType, id string) error {
	record, err := p.ds.ReadRecord(ctx, entityType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, hook := range p.hooks[entityType] {
		if err := hook(ctx, record); err != nil {
			return fmt.Errorf("destroy hook for %s:%s: %w", entityType, id, err)
		}
	}

	for _, decl := range p.registry.DeclarationsFor(entityType) {
		if err := p.detachAndSchedule(ctx, decl, id); err != nil {
			return err
		}
	}

	if err := p.ds.DeleteRecord(ctx, entityType, id); err != nil {
		return err
	}

	p.logger.Debug("record destroyed",
		zap.String("entity_type", entityType),
		zap.String("id", id),
	)

	return nil
}

// detachAndSchedule nullifies one relationship's children and fans their
// destruction out to the queue. The detach and the orphan marker commit in
// one datastore transaction; a constraint violation surfaces to the caller
// and leaves no batch behind.
func (p *Purger) detachAndSchedule(ctx context.Context, decl Declaration, parentID string) error {
	batch, err := p.ds.DetachChildren(ctx, storage.DetachRequest{
		ChildType:  decl.ChildType,
		Field:      decl.Field,
		ParentType: decl.ParentType,
		ParentID:   parentID,
	})
	if err != nil {
		return fmt.Errorf("detach %s.%s of %s:%s: %w", decl.ChildType, decl.Field, decl.ParentType, parentID, err)
	}
	if batch == nil {
		return nil
	}

	p.logger.Info("children detached",
		zap.String("batch_id", batch.ID),
		zap.String("child_type", batch.ChildType),
		zap.String("parent_id", parentID),
		zap.Int("orphans", len(batch.IDs)),
	)

	return p.Scheduler().Schedule(ctx, batch)
}
