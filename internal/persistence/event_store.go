package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/flume/pkg/api"
)

// EventStore is an append-only history store for flow execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.FlowEvent) error
	ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	return nil, nil
}

// InMemoryEventStore keeps events in memory, per flow ID, in append order.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.FlowEvent
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.FlowEvent)}
}

var _ EventStore = (*InMemoryEventStore)(nil)

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.FlowID] = append(s.events[ev.FlowID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[flowID]
	out := make([]api.FlowEvent, len(evs))
	copy(out, evs)
	return out, nil
}
