package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	coreq "github.com/petrijr/flume/internal/taskqueue"
)

// PostgresQueue is a persistent delay queue backed by PostgreSQL. Claims
// use FOR UPDATE SKIP LOCKED so concurrent workers never take the same
// task.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue initializes the resume_tasks table in the given DB and
// returns a new queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS resume_tasks (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			state_id TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resume_tasks_not_before ON resume_tasks(not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ensure PostgresQueue implements Queue.
var _ coreq.Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t coreq.Task) error {
	now := time.Now()
	enqueuedAt := now.UnixNano()

	var notBefore int64
	if t.NotBefore.IsZero() {
		notBefore = enqueuedAt
	} else {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO resume_tasks (id, flow_id, state_id, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID,
		t.FlowID,
		t.StateID,
		enqueuedAt,
		notBefore,
		t.Attempts,
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*coreq.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		t, err := q.takeDue(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) takeDue(ctx context.Context, now time.Time) (*coreq.Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var t coreq.Task
	var enqueuedNs, notBeforeNs int64

	err = tx.QueryRowContext(ctx, `
		SELECT id, flow_id, state_id, enqueued_at, not_before, attempts
		FROM resume_tasks
		WHERE not_before <= $1
		ORDER BY not_before ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		now.UnixNano(),
	).Scan(&t.ID, &t.FlowID, &t.StateID, &enqueuedNs, &notBeforeNs, &t.Attempts)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM resume_tasks WHERE id = $1`, t.ID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.EnqueuedAt = time.Unix(0, enqueuedNs)
	t.NotBefore = time.Unix(0, notBeforeNs)
	return &t, nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM resume_tasks WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM resume_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
