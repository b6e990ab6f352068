package persistence

import (
	"context"

	"github.com/redis/go-redis/v9"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// RedisEventStore appends flow history to a per-flow Redis list:
//
//	<prefix>events:<flowID> => LIST of gob-encoded FlowEvent
type RedisEventStore struct {
	client *redis.Client
	prefix string
}

var _ corep.EventStore = (*RedisEventStore)(nil)

func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "flume:"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) key(flowID string) string {
	return s.prefix + "events:" + flowID
}

func (s *RedisEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	data, err := encode(&ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key(ev.FlowID), data).Err()
}

func (s *RedisEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	raw, err := s.client.LRange(ctx, s.key(flowID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.FlowEvent, 0, len(raw))
	for _, item := range raw {
		var ev api.FlowEvent
		if err := decode([]byte(item), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
