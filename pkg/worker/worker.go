package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/flume/internal/taskqueue"
	"github.com/petrijr/flume/pkg/api"
)

// Config controls retry behavior for resume tasks.
type Config struct {
	// MaxAttempts bounds how many times a failed resume is retried,
	// including the first attempt. Zero or one means no retries.
	MaxAttempts int

	// Backoff is the delay before a failed task becomes due again.
	Backoff time.Duration
}

// Worker drains due resume tasks from a Queue and hands them to a
// ResumeHandler (the engine). Multiple workers can safely share one queue.
type Worker struct {
	handler api.ResumeHandler
	queue   taskqueue.Queue
	cfg     Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker with no retries.
func New(handler api.ResumeHandler, queue taskqueue.Queue) *Worker {
	return NewWithConfig(handler, queue, Config{})
}

// NewWithConfig creates a worker with the given retry configuration.
func NewWithConfig(handler api.ResumeHandler, queue taskqueue.Queue, cfg Config) *Worker {
	return &Worker{handler: handler, queue: queue, cfg: cfg}
}

// ProcessOne blocks until a task is due, resumes its flow, and reports
// whether a task was processed. A failed resume is re-enqueued with
// backoff until Config.MaxAttempts is exhausted, at which point the
// resume error is returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	_, resumeErr := w.handler.ResumeFlow(ctx, task.FlowID, task.StateID)
	if resumeErr == nil {
		return true, nil
	}
	if errors.Is(resumeErr, context.Canceled) || errors.Is(resumeErr, context.DeadlineExceeded) {
		return true, resumeErr
	}

	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		return true, resumeErr
	}
	task.NotBefore = time.Now().Add(w.cfg.Backoff)
	if err := w.queue.Enqueue(ctx, *task); err != nil {
		return true, errors.Join(resumeErr, err)
	}
	return true, nil
}

// Start launches a background loop calling ProcessOne until the context
// is cancelled or Stop is called. Errors from individual tasks are
// dropped; wire an observer on the engine for visibility.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	done := w.done
	go func() {
		defer close(done)
		for {
			if _, err := w.ProcessOne(loopCtx); err != nil {
				if loopCtx.Err() != nil {
					return
				}
			}
		}
	}()
}

// Stop terminates the background loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
