package persistence

import (
	"context"
	"database/sql"
	"time"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// PostgresEventStore stores flow events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

var _ corep.EventStore = (*PostgresEventStore)(nil)

func NewPostgresEventStore(db *sql.DB) (*PostgresEventStore, error) {
	s := &PostgresEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_events (
			id BIGSERIAL PRIMARY KEY,
			flow_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			flow_name TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			position TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_events_flow_id ON flow_events(flow_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (flow_id, at, type, flow_name, version, position, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.FlowID,
		at.UnixNano(),
		string(ev.Type),
		ev.FlowName,
		ev.Version,
		ev.Position,
		ev.Detail,
	)
	return err
}

func (s *PostgresEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, at, type, flow_name, version, position, detail
		FROM flow_events
		WHERE flow_id = $1
		ORDER BY id ASC`,
		flowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.FlowEvent
	for rows.Next() {
		var ev api.FlowEvent
		var atNs int64
		var typeStr string
		if err := rows.Scan(&ev.FlowID, &atNs, &typeStr, &ev.FlowName, &ev.Version, &ev.Position, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atNs)
		ev.Type = api.EventType(typeStr)
		out = append(out, ev)
	}
	return out, rows.Err()
}
