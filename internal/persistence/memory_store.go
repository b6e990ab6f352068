package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/flume/pkg/api"
)

// InMemoryStore is a goroutine-safe SnapshotStore backed by maps. It is
// the reference implementation: non-durable, best for tests and local
// development.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*api.Snapshot
	waits     map[string]*api.WaitCondition
	progress  map[string]*api.ForEachProgress
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		snapshots: make(map[string]*api.Snapshot),
		waits:     make(map[string]*api.WaitCondition),
		progress:  make(map[string]*api.ForEachProgress),
	}
}

// Ensure InMemoryStore implements the interface.
var _ SnapshotStore = (*InMemoryStore)(nil)

func copySnapshot(s *api.Snapshot) *api.Snapshot {
	out := *s
	out.Position = s.Position.Clone()
	out.State = append([]byte(nil), s.State...)
	out.DirtyFields = append([]string(nil), s.DirtyFields...)
	return &out
}

func copyWait(c *api.WaitCondition) *api.WaitCondition {
	out := *c
	out.Position = c.Position.Clone()
	return &out
}

func copyProgress(p *api.ForEachProgress) *api.ForEachProgress {
	out := *p
	out.Position = p.Position.Clone()
	out.Done = append([]int(nil), p.Done...)
	return &out
}

func progressKey(flowID string, pos api.Position) string {
	return flowID + "@" + pos.String()
}

func (s *InMemoryStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.FlowID]; ok {
		return ErrSnapshotExists
	}
	s.snapshots[snap.FlowID] = copySnapshot(snap)
	return nil
}

func (s *InMemoryStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[flowID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return copySnapshot(snap), nil
}

func (s *InMemoryStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.FlowID]; !ok {
		return ErrSnapshotNotFound
	}
	s.snapshots[snap.FlowID] = copySnapshot(snap)
	return nil
}

func (s *InMemoryStore) DeleteSnapshot(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, flowID)
	return nil
}

func (s *InMemoryStore) SetWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waits[cond.CorrelationID] = copyWait(cond)
	return nil
}

func (s *InMemoryStore) GetWaitCondition(ctx context.Context, correlationID string) (*api.WaitCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cond, ok := s.waits[correlationID]
	if !ok {
		return nil, ErrWaitConditionNotFound
	}
	return copyWait(cond), nil
}

func (s *InMemoryStore) UpdateWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waits[cond.CorrelationID]; !ok {
		return ErrWaitConditionNotFound
	}
	s.waits[cond.CorrelationID] = copyWait(cond)
	return nil
}

func (s *InMemoryStore) ClearWaitCondition(ctx context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.waits, correlationID)
	return nil
}

func (s *InMemoryStore) ListTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*api.WaitCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WaitCondition
	for _, cond := range s.waits {
		if cond.TimedOut(now) {
			out = append(out, copyWait(cond))
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveForEachProgress(ctx context.Context, p *api.ForEachProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress[progressKey(p.FlowID, p.Position)] = copyProgress(p)
	return nil
}

func (s *InMemoryStore) GetForEachProgress(ctx context.Context, flowID string, pos api.Position) (*api.ForEachProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[progressKey(flowID, pos)]
	if !ok {
		return nil, ErrProgressNotFound
	}
	return copyProgress(p), nil
}

func (s *InMemoryStore) ClearForEachProgress(ctx context.Context, flowID string, pos api.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.progress, progressKey(flowID, pos))
	return nil
}
