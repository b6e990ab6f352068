package postgres

import (
	"database/sql"

	"github.com/petrijr/flume/internal/engine"
	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/internal/schedule"
	"github.com/petrijr/flume/pkg/api"

	pstore "github.com/petrijr/flume/postgres/internal/persistence"
	pqueue "github.com/petrijr/flume/postgres/internal/taskqueue"
)

// NewPostgresEngine returns an Engine that persists snapshots, wait
// conditions, iteration progress, history, and resume tasks in
// PostgreSQL.
//
// The *sql.DB must use a PostgreSQL driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
func NewPostgresEngine(db *sql.DB, d api.Dispatcher) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, d, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the
// given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, d api.Dispatcher, obs api.Observer) (api.Engine, error) {
	snapshots, err := pstore.NewPostgresSnapshotStore(db)
	if err != nil {
		return nil, err
	}
	events, err := pstore.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := pqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}

	return engine.NewExecutor(engine.Config{
		Stores:     persistence.Stores{Snapshots: snapshots, Events: events},
		Dispatcher: d,
		Scheduler:  schedule.NewQueueScheduler(queue),
		Observer:   obs,
	})
}
