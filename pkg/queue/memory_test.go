package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func TestEnqueueAssignsTaskID(t *testing.T) {
	q := NewMemory(MemoryConfig{Workers: 1})
	q.Start(context.Background(), func(context.Context, *Task) error { return nil })
	defer q.Stop()

	id, err := q.Enqueue(context.Background(), &Task{BatchID: "b1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestTasksRunConcurrentlyAcrossWorkers(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})

	q := NewMemory(MemoryConfig{Workers: 4})
	q.Start(context.Background(), func(_ context.Context, _ *Task) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(context.Background(), &Task{BatchID: "b1", Seq: i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 4 }, waitFor, tick)
	close(release)
	q.Stop()

	require.Equal(t, int32(4), peak.Load())
}

func TestFailedDeliveryIsRedelivered(t *testing.T) {
	var deliveries atomic.Int32
	done := make(chan *Task, 1)

	q := NewMemory(MemoryConfig{
		Workers:       1,
		MaxDeliveries: 5,
		RetryInterval: time.Millisecond,
	})
	q.Start(context.Background(), func(_ context.Context, task *Task) error {
		if deliveries.Add(1) < 3 {
			return errors.New("boom")
		}
		done <- task
		return nil
	})
	defer q.Stop()

	_, err := q.Enqueue(context.Background(), &Task{BatchID: "b1"})
	require.NoError(t, err)

	select {
	case task := <-done:
		require.Equal(t, 3, task.Attempts)
	case <-time.After(waitFor):
		t.Fatal("task was not redelivered to success")
	}
}

func TestExhaustedTaskGoesToDropHandler(t *testing.T) {
	var mu sync.Mutex
	var dropped []*Task

	q := NewMemory(MemoryConfig{
		Workers:       1,
		MaxDeliveries: 2,
		RetryInterval: time.Millisecond,
		OnDrop: func(task *Task, _ error) {
			mu.Lock()
			defer mu.Unlock()
			dropped = append(dropped, task)
		},
	})
	q.Start(context.Background(), func(context.Context, *Task) error {
		return errors.New("always fails")
	})
	defer q.Stop()

	_, err := q.Enqueue(context.Background(), &Task{BatchID: "b1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "b1", dropped[0].BatchID)
	require.Equal(t, 2, dropped[0].Attempts)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	var handled atomic.Int32

	q := NewMemory(MemoryConfig{Workers: 2})
	q.Start(context.Background(), func(context.Context, *Task) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	})

	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(context.Background(), &Task{Seq: i})
		require.NoError(t, err)
	}

	q.Stop()
	require.Equal(t, int32(20), handled.Load())

	_, err := q.Enqueue(context.Background(), &Task{})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestStopIsIdempotent(t *testing.T) {
	q := NewMemory(MemoryConfig{Workers: 1})
	q.Start(context.Background(), func(context.Context, *Task) error { return nil })

	q.Stop()
	q.Stop()
}
