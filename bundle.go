package flume

import (
	"database/sql"

	"github.com/petrijr/flume/internal/taskqueue"
	workerpkg "github.com/petrijr/flume/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable resume-task queue, and
// a Worker consuming that queue.
//
// For now, only a SQLite-backed bundle is provided at the root; the
// redis, postgres, and mongo submodules carry their own.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo
// sharing the same SQLite database. Snapshots, wait conditions, iteration
// progress, history, and queued resume tasks are persisted in the
// provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:flume.db?_journal=WAL")
//	bundle, err := flume.NewSQLiteBundle(db, d, worker.Config{MaxAttempts: 3})
//	// register flows on bundle.Engine
//	// run bundle.Worker in a goroutine to drive Delay/ScheduleAt
func NewSQLiteBundle(db *sql.DB, d Dispatcher, cfg workerpkg.Config) (*WorkerBundle, error) {
	return NewSQLiteBundleWithObserver(db, d, cfg, nil)
}

// NewSQLiteBundleWithObserver is NewSQLiteBundle with an Observer wired
// into the engine.
func NewSQLiteBundleWithObserver(db *sql.DB, d Dispatcher, cfg workerpkg.Config, obs Observer) (*WorkerBundle, error) {
	eng, queue, err := newSQLiteParts(db, d, obs)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, queue, cfg),
		queue:  queue,
	}, nil
}
