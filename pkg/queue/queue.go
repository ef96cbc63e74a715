// Package queue defines the asynchronous task queue the purge scheduler
// enqueues into. Delivery is at-least-once; task handlers must be idempotent.
package queue

import (
	"context"

	"github.com/google/uuid"
)

// Task is one purge unit of work: a bounded chunk of orphan identifiers.
type Task struct {
	// ID identifies a delivery of the task; assigned at enqueue time.
	ID string

	BatchID   string
	ChildType string
	Seq       int
	IDs       []string

	// Attempts counts prior deliveries of this task.
	Attempts int
}

// Handler processes one task delivery. A non-nil error triggers redelivery
// until the queue's delivery limit is reached.
type Handler func(ctx context.Context, task *Task) error

// Queue is the external task-queue collaborator.
type Queue interface {
	// Enqueue submits a task for asynchronous execution and returns its
	// delivery id. Fire and forget; execution happens on independent
	// workers.
	Enqueue(ctx context.Context, task *Task) (string, error)
}

// NewTaskID returns a fresh delivery id.
func NewTaskID() string {
	return uuid.NewString()
}
