package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hannigan/hannigan/internal/concurrency"
	"github.com/hannigan/hannigan/pkg/logger"
)

const (
	DefaultWorkers       = 4
	DefaultCapacity      = 1024
	DefaultMaxDeliveries = 5
	DefaultRetryInterval = 50 * time.Millisecond
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue closed")

// DropHandler receives tasks whose delivery limit is exhausted.
type DropHandler func(task *Task, err error)

// MemoryConfig configures the in-process queue.
type MemoryConfig struct {
	Workers       int
	Capacity      int
	MaxDeliveries int
	RetryInterval time.Duration
	Logger        logger.Logger
	OnDrop        DropHandler
}

// Memory is an in-process [Queue] backed by a bounded channel and a worker
// pool. Failed deliveries are redelivered with exponential delay up to
// MaxDeliveries, then handed to the drop handler.
type Memory struct {
	cfg     MemoryConfig
	handler Handler

	tasks chan *Task

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	runCtx  context.Context
	stopRun context.CancelFunc
	done    chan struct{}
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-process queue. Start must be called before
// Enqueue.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	return &Memory{
		cfg:   cfg,
		tasks: make(chan *Task, cfg.Capacity),
		done:  make(chan struct{}),
	}
}

// Start launches the worker pool. The handler runs concurrently across
// workers with no ordering guarantee between tasks.
func (q *Memory) Start(ctx context.Context, handler Handler) {
	q.handler = handler
	q.runCtx, q.stopRun = context.WithCancel(ctx)

	go func() {
		defer close(q.done)

		p := concurrency.NewPool(context.Background(), q.cfg.Workers)
		for i := 0; i < q.cfg.Workers; i++ {
			p.Go(func(ctx context.Context) error {
				q.worker()
				return nil
			})
		}
		_ = p.Wait()
	}()
}

// Enqueue see [Queue].Enqueue.
func (q *Memory) Enqueue(ctx context.Context, task *Task) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if task.ID == "" {
		task.ID = NewTaskID()
	}

	q.inflight.Add(1)
	if !concurrency.TrySendThroughChannel(ctx, task, q.tasks) {
		q.inflight.Done()
		return "", ctx.Err()
	}

	return task.ID, nil
}

// Stop closes intake, waits for queued and in-flight tasks to finish, and
// shuts the workers down.
func (q *Memory) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.inflight.Wait()
	q.stopRun()
	close(q.tasks)
	<-q.done
}

func (q *Memory) worker() {
	for task := range q.tasks {
		q.deliver(task)
		q.inflight.Done()
	}
}

func (q *Memory) deliver(task *Task) {
	task.Attempts++

	err := q.handler(q.runCtx, task)
	if err == nil {
		return
	}

	if task.Attempts >= q.cfg.MaxDeliveries {
		q.cfg.Logger.Error("task exhausted its deliveries",
			zap.String("task_id", task.ID),
			zap.String("batch_id", task.BatchID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err),
		)
		if q.cfg.OnDrop != nil {
			q.cfg.OnDrop(task, err)
		}
		return
	}

	q.cfg.Logger.Warn("task redelivery scheduled",
		zap.String("task_id", task.ID),
		zap.String("batch_id", task.BatchID),
		zap.Int("attempts", task.Attempts),
		zap.Error(err),
	)

	delay := q.retryDelay(task.Attempts)
	q.inflight.Add(1)
	time.AfterFunc(delay, func() {
		defer q.inflight.Done()

		q.mu.RLock()
		defer q.mu.RUnlock()
		if q.closed {
			return
		}

		q.inflight.Add(1)
		if !concurrency.TrySendThroughChannel(q.runCtx, task, q.tasks) {
			q.inflight.Done()
		}
	})
}

func (q *Memory) retryDelay(attempts int) time.Duration {
	delay := q.cfg.RetryInterval
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > time.Second {
			return time.Second
		}
	}
	return delay
}
