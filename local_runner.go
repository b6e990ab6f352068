package flume

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/petrijr/flume/internal/engine"
	"github.com/petrijr/flume/internal/taskqueue"
	"github.com/petrijr/flume/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, a
// Worker, and a timeout sweeper into a complete single-process setup for
// development and tests.
//
// Typical usage:
//
//	runner := flume.NewLocalRunner(dispatcher)
//	flow := flume.NewFlow("my-flow", newState).Send(...)
//	flow.MustRegister(runner.Engine)
//
//	_ = runner.Start(ctx, 2)
//	res, err := runner.Engine.Run(ctx, flow.Name(), state)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory flow engine used by this runner.
	Engine Engine

	// Queue is the in-memory delay queue backing Delay/ScheduleAt.
	Queue taskqueue.Queue

	// Worker drains due resume tasks from Queue into Engine.
	Worker *worker.Worker

	sweeper *engine.Sweeper

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner around the given dispatcher.
// The timeout sweep runs every second while the runner is started.
func NewLocalRunner(d Dispatcher) *LocalRunner {
	return NewLocalRunnerWithObserver(d, nil)
}

// NewLocalRunnerWithObserver is NewLocalRunner with an Observer wired
// into the engine.
func NewLocalRunnerWithObserver(d Dispatcher, obs Observer) *LocalRunner {
	eng, queue, err := newInMemoryParts(d, obs)
	if err != nil {
		panic(err)
	}
	return &LocalRunner{
		Engine:  eng,
		Queue:   queue,
		Worker:  worker.New(eng, queue),
		sweeper: engine.NewSweeper(eng, time.Second),
	}
}

// Start launches 'concurrency' worker goroutines plus the timeout
// sweeper. They run until Stop or context cancellation.
//
// If Start is called again without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("flume: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.sweeper.Start(ctx)

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					// Cancellation is the clean shutdown signal here.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// Keep going so a single bad task doesn't kill the
					// worker loop.
					log.Printf("flume: local runner worker error: %v", err)
					continue
				}
				if !processed && ctx.Err() != nil {
					return
				}
			}
		}()
	}
	return nil
}

// Stop cancels the workers and the sweeper and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.sweeper.Stop()
	r.wg.Wait()
}
