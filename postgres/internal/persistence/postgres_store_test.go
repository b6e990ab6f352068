package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
	"github.com/petrijr/flume/postgres/internal/testutil"
)

// Several tests share one database, so flow IDs carry a unique suffix.
var flowSeq atomic.Int64

func uniqueFlowID(name string) string {
	return fmt.Sprintf("%s-%d", name, flowSeq.Add(1))
}

type PostgresStoreTestSuite struct {
	suite.Suite
	db    *sql.DB
	store *PostgresSnapshotStore
}

func TestPostgresStoreSuite(t *testing.T) {
	ts := new(PostgresStoreTestSuite)

	db, err := sql.Open("pgx", testutil.GetPostgresDSN(t))
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresSnapshotStore(db)
	if err != nil {
		t.Fatalf("NewPostgresSnapshotStore failed: %v", err)
	}

	ts.db = db
	ts.store = store
	suite.Run(t, ts)
}

func (p *PostgresStoreTestSuite) snapshot(flowID string) *api.Snapshot {
	now := time.Now().Truncate(time.Millisecond)
	return &api.Snapshot{
		FlowID:      flowID,
		FlowName:    "order-flow",
		Version:     1,
		Status:      api.StatusSuspended,
		State:       []byte("payload"),
		DirtyFields: []string{"Total", "Stage"},
		Position:    api.Position{2, 0, 1},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p *PostgresStoreTestSuite) TestSnapshotLifecycle() {
	ctx := context.Background()
	flowID := uniqueFlowID("flow")

	snap := p.snapshot(flowID)
	p.Require().NoError(p.store.CreateSnapshot(ctx, snap))

	err := p.store.CreateSnapshot(ctx, p.snapshot(flowID))
	p.Require().ErrorIs(err, corep.ErrSnapshotExists)

	got, err := p.store.GetSnapshot(ctx, flowID)
	p.Require().NoError(err)
	p.Equal("order-flow", got.FlowName)
	p.Equal(api.StatusSuspended, got.Status)
	p.Equal([]byte("payload"), got.State)
	p.Equal([]string{"Total", "Stage"}, got.DirtyFields)
	p.True(got.Position.Equal(api.Position{2, 0, 1}))
	p.True(got.CreatedAt.Equal(snap.CreatedAt))

	got.Status = api.StatusCompleted
	got.DirtyFields = nil
	got.Position = api.Position{4}
	p.Require().NoError(p.store.UpdateSnapshot(ctx, got))

	got, err = p.store.GetSnapshot(ctx, flowID)
	p.Require().NoError(err)
	p.Equal(api.StatusCompleted, got.Status)
	p.Empty(got.DirtyFields)
	p.True(got.Position.Equal(api.Position{4}))

	p.Require().NoError(p.store.DeleteSnapshot(ctx, flowID))
	_, err = p.store.GetSnapshot(ctx, flowID)
	p.Require().ErrorIs(err, corep.ErrSnapshotNotFound)
}

func (p *PostgresStoreTestSuite) TestSnapshotMissing() {
	ctx := context.Background()

	_, err := p.store.GetSnapshot(ctx, uniqueFlowID("ghost"))
	p.Require().ErrorIs(err, corep.ErrSnapshotNotFound)

	err = p.store.UpdateSnapshot(ctx, p.snapshot(uniqueFlowID("ghost")))
	p.Require().ErrorIs(err, corep.ErrSnapshotNotFound)
}

func (p *PostgresStoreTestSuite) TestWaitConditionLifecycle() {
	ctx := context.Background()
	corrID := uniqueFlowID("flow") + "@1"

	cond := &api.WaitCondition{
		CorrelationID: corrID,
		Kind:          api.WaitAny,
		Expected:      3,
		CreatedAt:     time.Now().Truncate(time.Millisecond),
		FlowID:        "flow-1",
		FlowName:      "order-flow",
		Position:      api.Position{1},
		ScheduleID:    "sched-1",
	}
	p.Require().NoError(p.store.SetWaitCondition(ctx, cond))

	got, err := p.store.GetWaitCondition(ctx, corrID)
	p.Require().NoError(err)
	p.Equal(api.WaitAny, got.Kind)
	p.Equal(3, got.Expected)
	p.Equal("sched-1", got.ScheduleID)
	p.True(got.Position.Equal(api.Position{1}))

	got.Completed = 1
	p.Require().NoError(p.store.UpdateWaitCondition(ctx, got))
	got, err = p.store.GetWaitCondition(ctx, corrID)
	p.Require().NoError(err)
	p.Equal(1, got.Completed)

	p.Require().NoError(p.store.ClearWaitCondition(ctx, corrID))
	_, err = p.store.GetWaitCondition(ctx, corrID)
	p.Require().ErrorIs(err, corep.ErrWaitConditionNotFound)

	// Clearing again is not an error.
	p.Require().NoError(p.store.ClearWaitCondition(ctx, corrID))

	err = p.store.UpdateWaitCondition(ctx, cond)
	p.Require().ErrorIs(err, corep.ErrWaitConditionNotFound)
}

func (p *PostgresStoreTestSuite) TestListTimedOutWaitConditions() {
	ctx := context.Background()
	now := time.Now()
	expiredID := uniqueFlowID("expired") + "@1"
	freshID := uniqueFlowID("fresh") + "@1"

	expired := &api.WaitCondition{
		CorrelationID: expiredID,
		Kind:          api.WaitAll,
		Expected:      1,
		Timeout:       time.Minute,
		CreatedAt:     now.Add(-time.Hour),
		FlowID:        "expired",
	}
	fresh := &api.WaitCondition{
		CorrelationID: freshID,
		Kind:          api.WaitAll,
		Expected:      1,
		Timeout:       time.Hour,
		CreatedAt:     now,
		FlowID:        "fresh",
	}
	p.Require().NoError(p.store.SetWaitCondition(ctx, expired))
	p.Require().NoError(p.store.SetWaitCondition(ctx, fresh))
	p.T().Cleanup(func() {
		_ = p.store.ClearWaitCondition(ctx, expiredID)
		_ = p.store.ClearWaitCondition(ctx, freshID)
	})

	out, err := p.store.ListTimedOutWaitConditions(ctx, now)
	p.Require().NoError(err)

	var ids []string
	for _, cond := range out {
		ids = append(ids, cond.CorrelationID)
	}
	p.Contains(ids, expiredID)
	p.NotContains(ids, freshID)
}

func (p *PostgresStoreTestSuite) TestForEachProgress() {
	ctx := context.Background()
	flowID := uniqueFlowID("flow")
	pos := api.Position{3}

	_, err := p.store.GetForEachProgress(ctx, flowID, pos)
	p.Require().ErrorIs(err, corep.ErrProgressNotFound)

	pr := &api.ForEachProgress{FlowID: flowID, Position: pos, Done: []int{0, 2}}
	p.Require().NoError(p.store.SaveForEachProgress(ctx, pr))

	got, err := p.store.GetForEachProgress(ctx, flowID, pos)
	p.Require().NoError(err)
	p.Equal([]int{0, 2}, got.Done)

	// Saving again overwrites.
	pr.Done = append(pr.Done, 1)
	p.Require().NoError(p.store.SaveForEachProgress(ctx, pr))
	got, err = p.store.GetForEachProgress(ctx, flowID, pos)
	p.Require().NoError(err)
	p.Equal([]int{0, 2, 1}, got.Done)

	p.Require().NoError(p.store.ClearForEachProgress(ctx, flowID, pos))
	_, err = p.store.GetForEachProgress(ctx, flowID, pos)
	p.Require().ErrorIs(err, corep.ErrProgressNotFound)
}
