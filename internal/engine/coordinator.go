package engine

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// waitCoordinator tracks outstanding wait conditions through the snapshot
// store so they survive restarts. All counting happens against the stored
// record rather than in memory.
//
// Counting is a read-increment-write across two store calls, so
// completions for the same correlation ID are serialized through a
// per-condition lock; without it concurrent fan-in drops counts.
type waitCoordinator struct {
	store persistence.SnapshotStore

	mu    sync.Mutex
	locks map[string]*condLock
}

type condLock struct {
	sync.Mutex
	refs int
}

func newWaitCoordinator(store persistence.SnapshotStore) *waitCoordinator {
	return &waitCoordinator{store: store, locks: make(map[string]*condLock)}
}

func (c *waitCoordinator) lock(correlationID string) *condLock {
	c.mu.Lock()
	l := c.locks[correlationID]
	if l == nil {
		l = &condLock{}
		c.locks[correlationID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return l
}

func (c *waitCoordinator) unlock(correlationID string, l *condLock) {
	l.Unlock()

	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, correlationID)
	}
	c.mu.Unlock()
}

func (c *waitCoordinator) Register(ctx context.Context, cond *api.WaitCondition) error {
	return c.store.SetWaitCondition(ctx, cond)
}

// RecordCompletion counts one completion against a condition. When the
// count satisfies the condition the record is cleared and the returned
// flag is true; otherwise the incremented count is persisted back.
// Exactly one of N concurrent calls observes satisfaction.
func (c *waitCoordinator) RecordCompletion(ctx context.Context, correlationID string) (*api.WaitCondition, bool, error) {
	l := c.lock(correlationID)
	defer c.unlock(correlationID, l)

	cond, err := c.store.GetWaitCondition(ctx, correlationID)
	if err != nil {
		return nil, false, err
	}

	cond.Completed++
	if cond.Satisfied() {
		if err := c.store.ClearWaitCondition(ctx, correlationID); err != nil {
			return nil, false, err
		}
		return cond, true, nil
	}

	if err := c.store.UpdateWaitCondition(ctx, cond); err != nil {
		return nil, false, err
	}
	return cond, false, nil
}

func (c *waitCoordinator) Clear(ctx context.Context, correlationID string) error {
	return c.store.ClearWaitCondition(ctx, correlationID)
}

// TimedOut lists conditions whose timeout elapsed before now.
func (c *waitCoordinator) TimedOut(ctx context.Context, now time.Time) ([]*api.WaitCondition, error) {
	return c.store.ListTimedOutWaitConditions(ctx, now)
}
