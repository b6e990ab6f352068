package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flume/pkg/api"
)

// SQLiteSnapshotStore is a SnapshotStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// Ensure SQLiteSnapshotStore implements SnapshotStore.
var _ SnapshotStore = (*SQLiteSnapshotStore)(nil)

// NewSQLiteSnapshotStore initializes the required schema in the given
// database and returns a new SQLiteSnapshotStore.
func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	s := &SQLiteSnapshotStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshotStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_snapshots (
			flow_id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			state BLOB,
			dirty_fields TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS wait_conditions (
			correlation_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			expected INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			timeout_ns INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			flow_id TEXT NOT NULL,
			flow_name TEXT NOT NULL,
			position TEXT NOT NULL DEFAULT '',
			schedule_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_wait_conditions_flow_id ON wait_conditions(flow_id);
		CREATE TABLE IF NOT EXISTS foreach_progress (
			flow_id TEXT NOT NULL,
			position TEXT NOT NULL,
			done TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (flow_id, position)
		);`,
	)
	return err
}

func joinInts(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *SQLiteSnapshotStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_snapshots (flow_id, flow_name, version, status, state, dirty_fields, position, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.FlowID,
		snap.FlowName,
		snap.Version,
		string(snap.Status),
		snap.State,
		strings.Join(snap.DirtyFields, ","),
		snap.Position.String(),
		snap.Error,
		snap.CreatedAt.UnixNano(),
		snap.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrSnapshotExists
	}
	return err
}

func (s *SQLiteSnapshotStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, flow_name, version, status, state, dirty_fields, position, error, created_at, updated_at
		FROM flow_snapshots
		WHERE flow_id = ?`,
		flowID,
	)
	return scanSnapshot(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*api.Snapshot, error) {
	var snap api.Snapshot
	var statusStr, dirtyStr, posStr string
	var createdNs, updatedNs int64

	err := row.Scan(
		&snap.FlowID,
		&snap.FlowName,
		&snap.Version,
		&statusStr,
		&snap.State,
		&dirtyStr,
		&posStr,
		&snap.Error,
		&createdNs,
		&updatedNs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}

	snap.Status = api.Status(statusStr)
	if dirtyStr != "" {
		snap.DirtyFields = strings.Split(dirtyStr, ",")
	}
	pos, err := api.ParsePosition(posStr)
	if err != nil {
		return nil, err
	}
	snap.Position = pos
	snap.CreatedAt = time.Unix(0, createdNs)
	snap.UpdatedAt = time.Unix(0, updatedNs)

	return &snap, nil
}

func (s *SQLiteSnapshotStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_snapshots
		SET flow_name = ?, version = ?, status = ?, state = ?, dirty_fields = ?, position = ?, error = ?, updated_at = ?
		WHERE flow_id = ?`,
		snap.FlowName,
		snap.Version,
		string(snap.Status),
		snap.State,
		strings.Join(snap.DirtyFields, ","),
		snap.Position.String(),
		snap.Error,
		snap.UpdatedAt.UnixNano(),
		snap.FlowID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

func (s *SQLiteSnapshotStore) DeleteSnapshot(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_snapshots WHERE flow_id = ?`, flowID)
	return err
}

func (s *SQLiteSnapshotStore) SetWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wait_conditions (correlation_id, kind, expected, completed, timeout_ns, created_at, flow_id, flow_name, position, schedule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			kind = excluded.kind,
			expected = excluded.expected,
			completed = excluded.completed,
			timeout_ns = excluded.timeout_ns,
			created_at = excluded.created_at,
			flow_id = excluded.flow_id,
			flow_name = excluded.flow_name,
			position = excluded.position,
			schedule_id = excluded.schedule_id`,
		cond.CorrelationID,
		string(cond.Kind),
		cond.Expected,
		cond.Completed,
		int64(cond.Timeout),
		cond.CreatedAt.UnixNano(),
		cond.FlowID,
		cond.FlowName,
		cond.Position.String(),
		cond.ScheduleID,
	)
	return err
}

func (s *SQLiteSnapshotStore) GetWaitCondition(ctx context.Context, correlationID string) (*api.WaitCondition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, kind, expected, completed, timeout_ns, created_at, flow_id, flow_name, position, schedule_id
		FROM wait_conditions
		WHERE correlation_id = ?`,
		correlationID,
	)
	return scanWaitCondition(row)
}

func scanWaitCondition(row rowScanner) (*api.WaitCondition, error) {
	var cond api.WaitCondition
	var kindStr, posStr string
	var timeoutNs, createdNs int64

	err := row.Scan(
		&cond.CorrelationID,
		&kindStr,
		&cond.Expected,
		&cond.Completed,
		&timeoutNs,
		&createdNs,
		&cond.FlowID,
		&cond.FlowName,
		&posStr,
		&cond.ScheduleID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWaitConditionNotFound
		}
		return nil, err
	}

	cond.Kind = api.WaitKind(kindStr)
	cond.Timeout = time.Duration(timeoutNs)
	cond.CreatedAt = time.Unix(0, createdNs)
	pos, err := api.ParsePosition(posStr)
	if err != nil {
		return nil, err
	}
	cond.Position = pos

	return &cond, nil
}

func (s *SQLiteSnapshotStore) UpdateWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wait_conditions
		SET kind = ?, expected = ?, completed = ?, timeout_ns = ?, created_at = ?, flow_id = ?, flow_name = ?, position = ?, schedule_id = ?
		WHERE correlation_id = ?`,
		string(cond.Kind),
		cond.Expected,
		cond.Completed,
		int64(cond.Timeout),
		cond.CreatedAt.UnixNano(),
		cond.FlowID,
		cond.FlowName,
		cond.Position.String(),
		cond.ScheduleID,
		cond.CorrelationID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWaitConditionNotFound
	}
	return nil
}

func (s *SQLiteSnapshotStore) ClearWaitCondition(ctx context.Context, correlationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wait_conditions WHERE correlation_id = ?`, correlationID)
	return err
}

func (s *SQLiteSnapshotStore) ListTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*api.WaitCondition, error) {
	// timeout_ns = 0 means no timeout.
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, kind, expected, completed, timeout_ns, created_at, flow_id, flow_name, position, schedule_id
		FROM wait_conditions
		WHERE timeout_ns > 0 AND created_at + timeout_ns <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WaitCondition
	for rows.Next() {
		cond, err := scanWaitCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, rows.Err()
}

func (s *SQLiteSnapshotStore) SaveForEachProgress(ctx context.Context, p *api.ForEachProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO foreach_progress (flow_id, position, done)
		VALUES (?, ?, ?)
		ON CONFLICT(flow_id, position) DO UPDATE SET done = excluded.done`,
		p.FlowID,
		p.Position.String(),
		joinInts(p.Done),
	)
	return err
}

func (s *SQLiteSnapshotStore) GetForEachProgress(ctx context.Context, flowID string, pos api.Position) (*api.ForEachProgress, error) {
	var doneStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT done FROM foreach_progress WHERE flow_id = ? AND position = ?`,
		flowID,
		pos.String(),
	).Scan(&doneStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProgressNotFound
		}
		return nil, err
	}

	done, err := splitInts(doneStr)
	if err != nil {
		return nil, err
	}
	return &api.ForEachProgress{
		FlowID:   flowID,
		Position: pos.Clone(),
		Done:     done,
	}, nil
}

func (s *SQLiteSnapshotStore) ClearForEachProgress(ctx context.Context, flowID string, pos api.Position) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM foreach_progress WHERE flow_id = ? AND position = ?`,
		flowID,
		pos.String(),
	)
	return err
}
