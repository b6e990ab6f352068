package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"

	coreq "github.com/petrijr/flume/internal/taskqueue"
	"github.com/petrijr/flume/postgres/internal/testutil"
)

type PostgresQueueTestSuite struct {
	suite.Suite
	db    *sql.DB
	queue *PostgresQueue
}

func TestPostgresQueueSuite(t *testing.T) {
	ts := new(PostgresQueueTestSuite)

	db, err := sql.Open("pgx", testutil.GetPostgresDSN(t))
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	queue, err := NewPostgresQueue(db)
	if err != nil {
		t.Fatalf("NewPostgresQueue failed: %v", err)
	}

	ts.db = db
	ts.queue = queue
	suite.Run(t, ts)
}

// SetupTest empties the shared table so tests cannot see each other's
// tasks.
func (p *PostgresQueueTestSuite) SetupTest() {
	_, err := p.db.Exec(`DELETE FROM resume_tasks`)
	p.Require().NoError(err)
}

func (p *PostgresQueueTestSuite) TestEnqueueDequeue() {
	ctx := context.Background()

	task := coreq.Task{
		ID:      "task-1",
		FlowID:  "flow-1",
		StateID: "state-1",
	}
	p.Require().NoError(p.queue.Enqueue(ctx, task))
	p.Equal(1, p.queue.Len())

	got, err := p.queue.Dequeue(ctx)
	p.Require().NoError(err)
	p.Equal("task-1", got.ID)
	p.Equal("flow-1", got.FlowID)
	p.Equal("state-1", got.StateID)
	p.Equal(0, p.queue.Len())
}

func (p *PostgresQueueTestSuite) TestDequeueRespectsNotBefore() {
	ctx := context.Background()
	now := time.Now()

	p.Require().NoError(p.queue.Enqueue(ctx, coreq.Task{ID: "later", NotBefore: now.Add(time.Hour)}))
	p.Require().NoError(p.queue.Enqueue(ctx, coreq.Task{ID: "due", NotBefore: now.Add(-time.Second)}))

	got, err := p.queue.Dequeue(ctx)
	p.Require().NoError(err)
	p.Equal("due", got.ID)

	shortCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = p.queue.Dequeue(shortCtx)
	p.Require().ErrorIs(err, context.DeadlineExceeded)
	p.Equal(1, p.queue.Len())
}

func (p *PostgresQueueTestSuite) TestDequeueOrdersByDueTime() {
	ctx := context.Background()
	now := time.Now()

	p.Require().NoError(p.queue.Enqueue(ctx, coreq.Task{ID: "second", NotBefore: now.Add(-time.Second)}))
	p.Require().NoError(p.queue.Enqueue(ctx, coreq.Task{ID: "first", NotBefore: now.Add(-time.Minute)}))

	var got []string
	for i := 0; i < 2; i++ {
		task, err := p.queue.Dequeue(ctx)
		p.Require().NoError(err)
		got = append(got, task.ID)
	}
	p.Equal([]string{"first", "second"}, got)
}

func (p *PostgresQueueTestSuite) TestCancel() {
	ctx := context.Background()

	p.Require().NoError(p.queue.Enqueue(ctx, coreq.Task{ID: "task-1", NotBefore: time.Now().Add(time.Hour)}))

	ok, err := p.queue.Cancel(ctx, "task-1")
	p.Require().NoError(err)
	p.True(ok)
	p.Equal(0, p.queue.Len())

	ok, err = p.queue.Cancel(ctx, "task-1")
	p.Require().NoError(err)
	p.False(ok)
}

func (p *PostgresQueueTestSuite) TestDequeueStopsOnContextCancel() {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.queue.Dequeue(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		p.Require().ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		p.FailNow("Dequeue did not return after cancellation")
	}
}
