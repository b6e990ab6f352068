package taskqueue

import (
	"context"
	"time"
)

// Task is one scheduled resume: wake the given flow at (or after)
// NotBefore. The task ID doubles as the schedule ID handed back by the
// scheduler, so a registration can be cancelled by deleting its task.
type Task struct {
	ID      string
	FlowID  string
	StateID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for
	// processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts how many times a worker has tried this task.
	Attempts int
}

// Queue is the durable delay queue the reference scheduler is built on.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task whose NotBefore has
	// passed, blocking until one is due or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Cancel removes a pending task by ID. It returns false when the
	// task was not found (already dequeued or already cancelled).
	Cancel(ctx context.Context, id string) (bool, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
