package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/flume/pkg/api"
)

// SQLiteEventStore stores flow events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Ensure SQLiteEventStore implements EventStore.
var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			flow_name TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			position TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_flow_events_flow_id ON flow_events(flow_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (flow_id, at, type, flow_name, version, position, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, at, type, flow_name, version, position, detail
		FROM flow_events
		WHERE flow_id = ?
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
