package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// MongoEventStore stores flow events in a MongoDB collection, in append
// order per flow.
type MongoEventStore struct {
	events *mongo.Collection
}

var _ corep.EventStore = (*MongoEventStore)(nil)

// NewMongoEventStore creates a Mongo-backed event store.
// dbName defaults to "flume" if empty.
func NewMongoEventStore(client *mongo.Client, dbName string) *MongoEventStore {
	if dbName == "" {
		dbName = "flume"
	}
	return &MongoEventStore{
		events: client.Database(dbName).Collection("flow_events"),
	}
}

type mongoEventDoc struct {
	FlowID   string `bson:"flow_id"`
	At       int64  `bson:"at"`
	Type     string `bson:"type"`
	FlowName string `bson:"flow_name,omitempty"`
	Version  int    `bson:"version,omitempty"`
	Position string `bson:"position,omitempty"`
	Detail   string `bson:"detail,omitempty"`
}

func (s *MongoEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.events.InsertOne(ctx, mongoEventDoc{
		FlowID:   ev.FlowID,
		At:       at.UnixNano(),
		Type:     string(ev.Type),
		FlowName: ev.FlowName,
		Version:  ev.Version,
		Position: ev.Position,
		Detail:   ev.Detail,
	})
	return err
}

func (s *MongoEventStore) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	cur, err := s.events.Find(ctx,
		bson.M{"flow_id": flowID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.FlowEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.FlowEvent{
			FlowID:   doc.FlowID,
			At:       time.Unix(0, doc.At),
			Type:     api.EventType(doc.Type),
			FlowName: doc.FlowName,
			Version:  doc.Version,
			Position: doc.Position,
			Detail:   doc.Detail,
		})
	}
	return out, cur.Err()
}
