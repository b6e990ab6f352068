package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// MongoSnapshotStore is a SnapshotStore backed by MongoDB. Snapshots,
// wait conditions, and iteration progress live in separate collections of
// one database.
type MongoSnapshotStore struct {
	snapshots *mongo.Collection
	waits     *mongo.Collection
	progress  *mongo.Collection
}

// Ensure it implements SnapshotStore.
var _ corep.SnapshotStore = (*MongoSnapshotStore)(nil)

// NewMongoSnapshotStore creates a Mongo-backed snapshot store.
// dbName defaults to "flume" if empty.
func NewMongoSnapshotStore(client *mongo.Client, dbName string) *MongoSnapshotStore {
	if dbName == "" {
		dbName = "flume"
	}
	db := client.Database(dbName)
	return &MongoSnapshotStore{
		snapshots: db.Collection("snapshots"),
		waits:     db.Collection("wait_conditions"),
		progress:  db.Collection("foreach_progress"),
	}
}

type mongoSnapshotDoc struct {
	ID          string   `bson:"_id"`
	FlowName    string   `bson:"flow_name"`
	Version     int      `bson:"version"`
	Status      string   `bson:"status"`
	State       []byte   `bson:"state,omitempty"`
	DirtyFields []string `bson:"dirty_fields,omitempty"`
	Position    string   `bson:"position"`
	Error       string   `bson:"error,omitempty"`
	CreatedAt   int64    `bson:"created_at"`
	UpdatedAt   int64    `bson:"updated_at"`
}

func toSnapshotDoc(snap *api.Snapshot) mongoSnapshotDoc {
	return mongoSnapshotDoc{
		ID:          snap.FlowID,
		FlowName:    snap.FlowName,
		Version:     snap.Version,
		Status:      string(snap.Status),
		State:       snap.State,
		DirtyFields: snap.DirtyFields,
		Position:    snap.Position.String(),
		Error:       snap.Error,
		CreatedAt:   snap.CreatedAt.UnixNano(),
		UpdatedAt:   snap.UpdatedAt.UnixNano(),
	}
}

func fromSnapshotDoc(doc mongoSnapshotDoc) (*api.Snapshot, error) {
	pos, err := api.ParsePosition(doc.Position)
	if err != nil {
		return nil, err
	}
	return &api.Snapshot{
		FlowID:      doc.ID,
		FlowName:    doc.FlowName,
		Version:     doc.Version,
		Status:      api.Status(doc.Status),
		State:       doc.State,
		DirtyFields: doc.DirtyFields,
		Position:    pos,
		Error:       doc.Error,
		CreatedAt:   time.Unix(0, doc.CreatedAt),
		UpdatedAt:   time.Unix(0, doc.UpdatedAt),
	}, nil
}

func (s *MongoSnapshotStore) CreateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	_, err := s.snapshots.InsertOne(ctx, toSnapshotDoc(snap))
	if mongo.IsDuplicateKeyError(err) {
		return corep.ErrSnapshotExists
	}
	return err
}

func (s *MongoSnapshotStore) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	var doc mongoSnapshotDoc
	err := s.snapshots.FindOne(ctx, bson.M{"_id": flowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrSnapshotNotFound
		}
		return nil, err
	}
	return fromSnapshotDoc(doc)
}

func (s *MongoSnapshotStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot) error {
	res, err := s.snapshots.ReplaceOne(ctx, bson.M{"_id": snap.FlowID}, toSnapshotDoc(snap))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return corep.ErrSnapshotNotFound
	}
	return nil
}

func (s *MongoSnapshotStore) DeleteSnapshot(ctx context.Context, flowID string) error {
	_, err := s.snapshots.DeleteOne(ctx, bson.M{"_id": flowID})
	return err
}

type mongoWaitDoc struct {
	ID         string `bson:"_id"`
	Kind       string `bson:"kind"`
	Expected   int    `bson:"expected"`
	Completed  int    `bson:"completed"`
	TimeoutNs  int64  `bson:"timeout_ns"`
	CreatedAt  int64  `bson:"created_at"`
	FlowID     string `bson:"flow_id"`
	FlowName   string `bson:"flow_name"`
	Position   string `bson:"position"`
	ScheduleID string `bson:"schedule_id,omitempty"`

	// DeadlineNs is created_at + timeout_ns, precomputed so the timeout
	// sweep is a single range query. Zero means no timeout.
	DeadlineNs int64 `bson:"deadline_ns"`
}

func toWaitDoc(cond *api.WaitCondition) mongoWaitDoc {
	var deadline int64
	if cond.Timeout > 0 {
		deadline = cond.CreatedAt.UnixNano() + int64(cond.Timeout)
	}
	return mongoWaitDoc{
		ID:         cond.CorrelationID,
		Kind:       string(cond.Kind),
		Expected:   cond.Expected,
		Completed:  cond.Completed,
		TimeoutNs:  int64(cond.Timeout),
		CreatedAt:  cond.CreatedAt.UnixNano(),
		FlowID:     cond.FlowID,
		FlowName:   cond.FlowName,
		Position:   cond.Position.String(),
		ScheduleID: cond.ScheduleID,
		DeadlineNs: deadline,
	}
}

func fromWaitDoc(doc mongoWaitDoc) (*api.WaitCondition, error) {
	pos, err := api.ParsePosition(doc.Position)
	if err != nil {
		return nil, err
	}
	return &api.WaitCondition{
		CorrelationID: doc.ID,
		Kind:          api.WaitKind(doc.Kind),
		Expected:      doc.Expected,
		Completed:     doc.Completed,
		Timeout:       time.Duration(doc.TimeoutNs),
		CreatedAt:     time.Unix(0, doc.CreatedAt),
		FlowID:        doc.FlowID,
		FlowName:      doc.FlowName,
		Position:      pos,
		ScheduleID:    doc.ScheduleID,
	}, nil
}

func (s *MongoSnapshotStore) SetWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	_, err := s.waits.ReplaceOne(ctx,
		bson.M{"_id": cond.CorrelationID},
		toWaitDoc(cond),
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoSnapshotStore) GetWaitCondition(ctx context.Context, correlationID string) (*api.WaitCondition, error) {
	var doc mongoWaitDoc
	err := s.waits.FindOne(ctx, bson.M{"_id": correlationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrWaitConditionNotFound
		}
		return nil, err
	}
	return fromWaitDoc(doc)
}

func (s *MongoSnapshotStore) UpdateWaitCondition(ctx context.Context, cond *api.WaitCondition) error {
	res, err := s.waits.ReplaceOne(ctx, bson.M{"_id": cond.CorrelationID}, toWaitDoc(cond))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return corep.ErrWaitConditionNotFound
	}
	return nil
}

func (s *MongoSnapshotStore) ClearWaitCondition(ctx context.Context, correlationID string) error {
	_, err := s.waits.DeleteOne(ctx, bson.M{"_id": correlationID})
	return err
}

func (s *MongoSnapshotStore) ListTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*api.WaitCondition, error) {
	cur, err := s.waits.Find(ctx, bson.M{
		"deadline_ns": bson.M{"$gt": 0, "$lte": now.UnixNano()},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.WaitCondition
	for cur.Next(ctx) {
		var doc mongoWaitDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		cond, err := fromWaitDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, cur.Err()
}

type mongoProgressDoc struct {
	ID     string `bson:"_id"` // flowID@position
	FlowID string `bson:"flow_id"`
	Done   []int  `bson:"done,omitempty"`
}

func progressID(flowID string, pos api.Position) string {
	return flowID + "@" + pos.String()
}

func (s *MongoSnapshotStore) SaveForEachProgress(ctx context.Context, p *api.ForEachProgress) error {
	doc := mongoProgressDoc{
		ID:     progressID(p.FlowID, p.Position),
		FlowID: p.FlowID,
		Done:   p.Done,
	}
	_, err := s.progress.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoSnapshotStore) GetForEachProgress(ctx context.Context, flowID string, pos api.Position) (*api.ForEachProgress, error) {
	var doc mongoProgressDoc
	err := s.progress.FindOne(ctx, bson.M{"_id": progressID(flowID, pos)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrProgressNotFound
		}
		return nil, err
	}
	return &api.ForEachProgress{
		FlowID:   flowID,
		Position: pos.Clone(),
		Done:     doc.Done,
	}, nil
}

func (s *MongoSnapshotStore) ClearForEachProgress(ctx context.Context, flowID string, pos api.Position) error {
	_, err := s.progress.DeleteOne(ctx, bson.M{"_id": progressID(flowID, pos)})
	return err
}
