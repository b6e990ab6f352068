package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/flume/pkg/api"
)

var (
	// ErrSnapshotNotFound is returned when a flow snapshot is not found.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotExists is returned by CreateSnapshot when a snapshot
	// with the same flow ID already exists.
	ErrSnapshotExists = errors.New("snapshot already exists")

	// ErrWaitConditionNotFound is returned when a wait condition is not
	// found (already satisfied, cleared, or never registered).
	ErrWaitConditionNotFound = errors.New("wait condition not found")

	// ErrProgressNotFound is returned when no ForEach progress record
	// exists for the given flow/position.
	ErrProgressNotFound = errors.New("foreach progress not found")
)

// SnapshotStore is durable storage for flow snapshots, wait conditions,
// and per-item ForEach progress. All access is keyed by flow ID or
// correlation ID; a conforming store should serialize updates per key so
// concurrent resume races (e.g. a duplicate timer fire) cannot lose
// updates.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *api.Snapshot) error
	GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error)
	UpdateSnapshot(ctx context.Context, snap *api.Snapshot) error
	DeleteSnapshot(ctx context.Context, flowID string) error

	SetWaitCondition(ctx context.Context, cond *api.WaitCondition) error
	GetWaitCondition(ctx context.Context, correlationID string) (*api.WaitCondition, error)
	UpdateWaitCondition(ctx context.Context, cond *api.WaitCondition) error
	ClearWaitCondition(ctx context.Context, correlationID string) error

	// ListTimedOutWaitConditions returns every condition whose timeout
	// elapsed at or before now.
	ListTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*api.WaitCondition, error)

	SaveForEachProgress(ctx context.Context, p *api.ForEachProgress) error
	GetForEachProgress(ctx context.Context, flowID string, pos api.Position) (*api.ForEachProgress, error)
	ClearForEachProgress(ctx context.Context, flowID string, pos api.Position) error
}

// Stores bundles the store interfaces so the engine can depend on a
// single abstraction.
type Stores struct {
	Snapshots SnapshotStore
	Events    EventStore
}
