package taskqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	coreq "github.com/petrijr/flume/internal/taskqueue"
	"github.com/petrijr/flume/redis/internal/testutil"
)

type RedisQueueTestSuite struct {
	suite.Suite
	client *redis.Client
	seq    int
	queue  *RedisQueue
}

func TestRedisQueueSuite(t *testing.T) {
	ts := new(RedisQueueTestSuite)

	client := redis.NewClient(&redis.Options{
		Addr: testutil.GetRedisAddress(t),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	ts.client = client
	suite.Run(t, ts)
}

func (r *RedisQueueTestSuite) SetupTest() {
	r.seq++
	r.queue = NewRedisQueue(r.client, fmt.Sprintf("flume:qtest:%d:", r.seq))
}

func (r *RedisQueueTestSuite) TestEnqueueDequeue() {
	ctx := context.Background()

	task := coreq.Task{
		ID:         "task-1",
		FlowID:     "flow-1",
		StateID:    "state-1",
		EnqueuedAt: time.Now(),
	}
	r.Require().NoError(r.queue.Enqueue(ctx, task))
	r.Equal(1, r.queue.Len())

	got, err := r.queue.Dequeue(ctx)
	r.Require().NoError(err)
	r.Equal("task-1", got.ID)
	r.Equal("flow-1", got.FlowID)
	r.Equal("state-1", got.StateID)
	r.Equal(0, r.queue.Len())
}

func (r *RedisQueueTestSuite) TestDequeueRespectsNotBefore() {
	ctx := context.Background()
	now := time.Now()

	r.Require().NoError(r.queue.Enqueue(ctx, coreq.Task{ID: "later", NotBefore: now.Add(time.Hour)}))
	r.Require().NoError(r.queue.Enqueue(ctx, coreq.Task{ID: "due", NotBefore: now.Add(-time.Second)}))

	got, err := r.queue.Dequeue(ctx)
	r.Require().NoError(err)
	r.Equal("due", got.ID)

	// Only the future task remains; Dequeue must block on it.
	shortCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = r.queue.Dequeue(shortCtx)
	r.Require().ErrorIs(err, context.DeadlineExceeded)
	r.Equal(1, r.queue.Len())
}

func (r *RedisQueueTestSuite) TestDequeueWaitsForDueTask() {
	ctx := context.Background()

	start := time.Now()
	r.Require().NoError(r.queue.Enqueue(ctx, coreq.Task{ID: "soon", NotBefore: start.Add(120 * time.Millisecond)}))

	got, err := r.queue.Dequeue(ctx)
	r.Require().NoError(err)
	r.Equal("soon", got.ID)
	r.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
}

func (r *RedisQueueTestSuite) TestCancel() {
	ctx := context.Background()

	r.Require().NoError(r.queue.Enqueue(ctx, coreq.Task{ID: "task-1", NotBefore: time.Now().Add(time.Hour)}))

	ok, err := r.queue.Cancel(ctx, "task-1")
	r.Require().NoError(err)
	r.True(ok)
	r.Equal(0, r.queue.Len())

	ok, err = r.queue.Cancel(ctx, "task-1")
	r.Require().NoError(err)
	r.False(ok)
}

func (r *RedisQueueTestSuite) TestDequeueStopsOnContextCancel() {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.queue.Dequeue(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		r.Require().ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		r.FailNow("Dequeue did not return after cancellation")
	}
}
