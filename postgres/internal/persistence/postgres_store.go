package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// PostgresSnapshotStore is a SnapshotStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// Ensure PostgresSnapshotStore implements SnapshotStore.
var _ corep.SnapshotStore = (*PostgresSnapshotStore)(nil)

// NewPostgresSnapshotStore initializes the required schema in the given
// database and returns a new PostgresSnapshotStore.
func NewPostgresSnapshotStore(db *sql.DB) (*PostgresSnapshotStore, error) {
	s := &PostgresSnapshotStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresSnapshotStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_snapshots (
			flow_id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			state BYTEA,
			dirty_fields TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wait_conditions (
			correlation_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			expected INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			timeout_ns BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			flow_id TEXT NOT NULL,
			flow_name TEXT NOT NULL,
			position TEXT NOT NULL DEFAULT '',
			schedule_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wait_conditions_flow_id ON wait_conditions(flow_id)`,
		`CREATE TABLE IF NOT EXISTS foreach_progress (
			flow_id TEXT NOT NULL,
			position TEXT NOT NULL,
			done TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (flow_id, position)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
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

func (p *PostgresSnapshotStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO flow_snapshots (flow_id, flow_name, version, status, state, dirty_fields, position, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return corep.ErrSnapshotExists
	}
	return err
}

func (p *PostgresSnapshotStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT flow_id, flow_name, version, status, state, dirty_fields, position, error, created_at, updated_at
		FROM flow_snapshots
		WHERE flow_id = $1`,
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
			return nil, corep.ErrSnapshotNotFound
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

func (p *PostgresSnapshotStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE flow_snapshots
		SET flow_name = $1, version = $2, status = $3, state = $4, dirty_fields = $5, position = $6, error = $7, updated_at = $8
		WHERE flow_id = $9`,
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
		return corep.ErrSnapshotNotFound
	}
	return nil
}

func (p *PostgresSnapshotStore) DeleteSnapshot(ctx context.Context, flowID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM flow_snapshots WHERE flow_id = $1`, flowID)
	return err
}

func (p *PostgresSnapshotStore) SetWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wait_conditions (correlation_id, kind, expected, completed, timeout_ns, created_at, flow_id, flow_name, position, schedule_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (correlation_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			expected = EXCLUDED.expected,
			completed = EXCLUDED.completed,
			timeout_ns = EXCLUDED.timeout_ns,
			created_at = EXCLUDED.created_at,
			flow_id = EXCLUDED.flow_id,
			flow_name = EXCLUDED.flow_name,
			position = EXCLUDED.position,
			schedule_id = EXCLUDED.schedule_id`,
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

func (p *PostgresSnapshotStore) GetWaitCondition(ctx context.Context, correlationID string) (*api.WaitCondition, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT correlation_id, kind, expected, completed, timeout_ns, created_at, flow_id, flow_name, position, schedule_id
		FROM wait_conditions
		WHERE correlation_id = $1`,
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
			return nil, corep.ErrWaitConditionNotFound
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

func (p *PostgresSnapshotStore) UpdateWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wait_conditions
		SET kind = $1, expected = $2, completed = $3, timeout_ns = $4, created_at = $5, flow_id = $6, flow_name = $7, position = $8, schedule_id = $9
		WHERE correlation_id = $10`,
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
		return corep.ErrWaitConditionNotFound
	}
	return nil
}

func (p *PostgresSnapshotStore) ClearWaitCondition(ctx context.Context, correlationID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM wait_conditions WHERE correlation_id = $1`, correlationID)
	return err
}

func (p *PostgresSnapshotStore) ListTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*api.WaitCondition, error) {
	// timeout_ns = 0 means no timeout.
	rows, err := p.db.QueryContext(ctx, `
		SELECT correlation_id, kind, expected, completed, timeout_ns, created_at, flow_id, flow_name, position, schedule_id
		FROM wait_conditions
		WHERE timeout_ns > 0 AND created_at + timeout_ns <= $1`,
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

func (p *PostgresSnapshotStore) SaveForEachProgress(ctx context.Context, pr *api.ForEachProgress) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO foreach_progress (flow_id, position, done)
		VALUES ($1, $2, $3)
		ON CONFLICT (flow_id, position) DO UPDATE SET done = EXCLUDED.done`,
		pr.FlowID,
		pr.Position.String(),
		joinInts(pr.Done),
	)
	return err
}

func (p *PostgresSnapshotStore) GetForEachProgress(ctx context.Context, flowID string, pos api.Position) (*api.ForEachProgress, error) {
	var doneStr string
	err := p.db.QueryRowContext(ctx, `
		SELECT done FROM foreach_progress WHERE flow_id = $1 AND position = $2`,
		flowID,
		pos.String(),
	).Scan(&doneStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corep.ErrProgressNotFound
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

func (p *PostgresSnapshotStore) ClearForEachProgress(ctx context.Context, flowID string, pos api.Position) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM foreach_progress WHERE flow_id = $1 AND position = $2`,
		flowID,
		pos.String(),
	)
	return err
}
