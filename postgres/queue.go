package postgres

import (
	"database/sql"

	"github.com/petrijr/flume"
	pqueue "github.com/petrijr/flume/postgres/internal/taskqueue"
)

// NewPostgresQueue returns the Postgres-backed resume-task queue so
// callers can run workers against the same database as the engine.
func NewPostgresQueue(db *sql.DB) (flume.Queue, error) {
	return pqueue.NewPostgresQueue(db)
}
