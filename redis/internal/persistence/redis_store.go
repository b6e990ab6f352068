package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// RedisSnapshotStore is a SnapshotStore backed by Redis. It uses a simple
// key structure:
//
//	<prefix>snap:<flowID>          => gob-encoded Snapshot
//	<prefix>wait:<correlationID>   => gob-encoded WaitCondition
//	<prefix>idx:waits              => SET of outstanding correlation IDs
//	<prefix>prog:<flowID>@<pos>    => gob-encoded ForEachProgress
//
// The wait index exists so the timeout sweep can enumerate conditions
// without a keyspace scan; it is always updated together with the wait
// keys.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
}

var _ corep.SnapshotStore = (*RedisSnapshotStore)(nil)

// NewRedisSnapshotStore creates a RedisSnapshotStore.
// prefix is optional but recommended (e.g. "flume:").
func NewRedisSnapshotStore(client *redis.Client, prefix string) *RedisSnapshotStore {
	if prefix == "" {
		prefix = "flume:"
	}
	return &RedisSnapshotStore{client: client, prefix: prefix}
}

func (r *RedisSnapshotStore) keySnapshot(flowID string) string {
	return r.prefix + "snap:" + flowID
}

func (r *RedisSnapshotStore) keyWait(correlationID string) string {
	return r.prefix + "wait:" + correlationID
}

func (r *RedisSnapshotStore) keyWaitIndex() string {
	return r.prefix + "idx:waits"
}

func (r *RedisSnapshotStore) keyProgress(flowID string, pos api.Position) string {
	return r.prefix + "prog:" + flowID + "@" + pos.String()
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, into any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(into)
}

func (r *RedisSnapshotStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.keySnapshot(snap.FlowID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return corep.ErrSnapshotExists
	}
	return nil
}

func (r *RedisSnapshotStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	data, err := r.client.Get(ctx, r.keySnapshot(flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, corep.ErrSnapshotNotFound
		}
		return nil, err
	}
	var snap api.Snapshot
	if err := decode(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *RedisSnapshotStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	ok, err := r.client.SetXX(ctx, r.keySnapshot(snap.FlowID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return corep.ErrSnapshotNotFound
	}
	return nil
}

func (r *RedisSnapshotStore) DeleteSnapshot(ctx context.Context, flowID string) error {
	return r.client.Del(ctx, r.keySnapshot(flowID)).Err()
}

func (r *RedisSnapshotStore) SetWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	data, err := encode(cond)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keyWait(cond.CorrelationID), data, 0)
	pipe.SAdd(ctx, r.keyWaitIndex(), cond.CorrelationID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisSnapshotStore) GetWaitCondition(ctx context.Context, correlationID string) (*api.WaitCondition, error) {
	data, err := r.client.Get(ctx, r.keyWait(correlationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, corep.ErrWaitConditionNotFound
		}
		return nil, err
	}
	var cond api.WaitCondition
	if err := decode(data, &cond); err != nil {
		return nil, err
	}
	return &cond, nil
}

func (r *RedisSnapshotStore) UpdateWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	data, err := encode(cond)
	if err != nil {
		return err
	}
	ok, err := r.client.SetXX(ctx, r.keyWait(cond.CorrelationID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return corep.ErrWaitConditionNotFound
	}
	return nil
}

func (r *RedisSnapshotStore) ClearWaitCondition(ctx context.Context, correlationID string) error {
	// Idempotent, matching the other stores: clearing a missing
	// condition is not an error.
	if err := r.client.Del(ctx, r.keyWait(correlationID)).Err(); err != nil {
		return err
	}
	return r.client.SRem(ctx, r.keyWaitIndex(), correlationID).Err()
}

func (r *RedisSnapshotStore) ListTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*api.WaitCondition, error) {
	ids, err := r.client.SMembers(ctx, r.keyWaitIndex()).Result()
	if err != nil {
		return nil, err
	}

	var out []*api.WaitCondition
	for _, id := range ids {
		cond, err := r.GetWaitCondition(ctx, id)
		if err != nil {
			if errors.Is(err, corep.ErrWaitConditionNotFound) {
				// Stale index entry.
				_ = r.client.SRem(ctx, r.keyWaitIndex(), id).Err()
				continue
			}
			return nil, err
		}
		if cond.TimedOut(now) {
			out = append(out, cond)
		}
	}
	return out, nil
}

func (r *RedisSnapshotStore) SaveForEachProgress(ctx context.Context, p *api.ForEachProgress) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyProgress(p.FlowID, p.Position), data, 0).Err()
}

func (r *RedisSnapshotStore) GetForEachProgress(ctx context.Context, flowID string, pos api.Position) (*api.ForEachProgress, error) {
	data, err := r.client.Get(ctx, r.keyProgress(flowID, pos)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, corep.ErrProgressNotFound
		}
		return nil, err
	}
	var p api.ForEachProgress
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RedisSnapshotStore) ClearForEachProgress(ctx context.Context, flowID string, pos api.Position) error {
	return r.client.Del(ctx, r.keyProgress(flowID, pos)).Err()
}
