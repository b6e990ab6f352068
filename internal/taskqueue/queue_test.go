package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

var queueFactories = map[string]func(t *testing.T) Queue{
	"memory": func(t *testing.T) Queue {
		return NewInMemoryQueue()
	},
	"sqlite": func(t *testing.T) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		q, err := NewSQLiteQueue(db)
		if err != nil {
			t.Fatalf("NewSQLiteQueue failed: %v", err)
		}
		return q
	},
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx := context.Background()

			task := Task{
				ID:         "task-1",
				FlowID:     "flow-1",
				StateID:    "state-1",
				EnqueuedAt: time.Now(),
			}
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if q.Len() != 1 {
				t.Fatalf("expected length 1, got %d", q.Len())
			}

			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if got.ID != "task-1" || got.FlowID != "flow-1" || got.StateID != "state-1" {
				t.Fatalf("unexpected task: %+v", got)
			}
			if q.Len() != 0 {
				t.Fatalf("expected empty queue after dequeue, got %d", q.Len())
			}
		})
	}
}

func TestQueue_DequeueRespectsNotBefore(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx := context.Background()
			now := time.Now()

			later := Task{ID: "later", FlowID: "flow-1", NotBefore: now.Add(time.Hour)}
			due := Task{ID: "due", FlowID: "flow-2", NotBefore: now.Add(-time.Second)}
			if err := q.Enqueue(ctx, later); err != nil {
				t.Fatalf("Enqueue later failed: %v", err)
			}
			if err := q.Enqueue(ctx, due); err != nil {
				t.Fatalf("Enqueue due failed: %v", err)
			}

			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if got.ID != "due" {
				t.Fatalf("expected the due task, got %+v", got)
			}

			// Only the future task remains; Dequeue must block on it.
			shortCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
			defer cancel()
			if _, err := q.Dequeue(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected deadline exceeded waiting on future task, got %v", err)
			}
		})
	}
}

func TestQueue_DequeueOrdersByDueTime(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx := context.Background()
			now := time.Now()

			// Enqueued out of order on purpose.
			for _, task := range []Task{
				{ID: "second", NotBefore: now.Add(-time.Second)},
				{ID: "first", NotBefore: now.Add(-time.Minute)},
			} {
				if err := q.Enqueue(ctx, task); err != nil {
					t.Fatalf("Enqueue %s failed: %v", task.ID, err)
				}
			}

			var got []string
			for i := 0; i < 2; i++ {
				task, err := q.Dequeue(ctx)
				if err != nil {
					t.Fatalf("Dequeue %d failed: %v", i, err)
				}
				got = append(got, task.ID)
			}
			if got[0] != "first" || got[1] != "second" {
				t.Fatalf("expected earliest due first, got %v", got)
			}
		})
	}
}

func TestQueue_DequeueWaitsForDueTask(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx := context.Background()

			start := time.Now()
			task := Task{ID: "soon", FlowID: "flow-1", NotBefore: start.Add(80 * time.Millisecond)}
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if got.ID != "soon" {
				t.Fatalf("unexpected task: %+v", got)
			}
			if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
				t.Fatalf("dequeued before the task was due (after %v)", elapsed)
			}
		})
	}
}

func TestQueue_Cancel(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx := context.Background()

			task := Task{ID: "task-1", FlowID: "flow-1", NotBefore: time.Now().Add(time.Hour)}
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			ok, err := q.Cancel(ctx, "task-1")
			if err != nil {
				t.Fatalf("Cancel failed: %v", err)
			}
			if !ok {
				t.Fatalf("expected Cancel to report the task removed")
			}
			if q.Len() != 0 {
				t.Fatalf("expected empty queue after cancel, got %d", q.Len())
			}

			ok, err = q.Cancel(ctx, "task-1")
			if err != nil {
				t.Fatalf("second Cancel failed: %v", err)
			}
			if ok {
				t.Fatalf("expected Cancel of a missing task to report false")
			}
		})
	}
}

func TestQueue_DequeueStopsOnContextCancel(t *testing.T) {
	for name, factory := range queueFactories {
		t.Run(name, func(t *testing.T) {
			q := factory(t)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				_, err := q.Dequeue(ctx)
				done <- err
			}()

			time.Sleep(30 * time.Millisecond)
			cancel()

			select {
			case err := <-done:
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled, got %v", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("Dequeue did not return after cancellation")
			}
		})
	}
}
