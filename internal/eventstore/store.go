package eventstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

const eventsCollection = "events"

// Store is the append-only event log. It is the source of truth for the
// entire system; projections are derived from it and can always be rebuilt.
type Store struct {
	collection *mongo.Collection
	log        *logger.Logger
}

// NewStore creates a new event store backed by the given database.
func NewStore(db *mongo.Database, log *logger.Logger) *Store {
	return &Store{
		collection: db.Collection(eventsCollection),
		log:        log,
	}
}

// Append appends an event to the store. When the event carries version 0 the
// store assigns max(existing)+1 for the aggregate. A concurrent append to the
// same aggregate surfaces as a duplicate-key error on the compound unique
// index; Append refetches the version and retries once before giving up with
// a VERSION_CONFLICT error.
func (s *Store) Append(ctx context.Context, event *Event) (string, error) {
	assigned := event.Version == 0

	for attempt := 0; attempt < 2; attempt++ {
		if assigned {
			version, err := s.nextVersion(ctx, event.AggregateType, event.AggregateID)
			if err != nil {
				return "", err
			}
			event.Version = version
		}

		_, err := s.collection.InsertOne(ctx, event)
		if err == nil {
			s.log.Debug().
				EventID(event.ID).
				EventType(string(event.Type)).
				Aggregate(string(event.AggregateType), event.AggregateID).
				Int("version", event.Version).
				Msg("Event appended")
			return event.ID, nil
		}

		if mongo.IsDuplicateKeyError(err) {
			if assigned && attempt == 0 {
				continue
			}
			return "", errors.Wrapf(err, errors.ErrCodeVersionConflict,
				"version conflict appending to %s/%s", event.AggregateType, event.AggregateID)
		}

		return "", fmt.Errorf("failed to append event: %w", err)
	}

	return "", errors.Newf(errors.ErrCodeVersionConflict,
		"version conflict appending to %s/%s", event.AggregateType, event.AggregateID)
}

// AppendBatch appends multiple events, preserving per-aggregate order.
func (s *Store) AppendBatch(ctx context.Context, events []*Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		id, err := s.Append(ctx, event)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// nextVersion returns max(version)+1 for the aggregate, starting at 1.
func (s *Store) nextVersion(ctx context.Context, aggregateType AggregateType, aggregateID string) (int, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})

	var last struct {
		Version int `bson:"version"`
	}
	err := s.collection.FindOne(ctx, bson.M{
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
	}, opts).Decode(&last)

	if err == mongo.ErrNoDocuments {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read aggregate version: %w", err)
	}
	return last.Version + 1, nil
}

// GetForAggregate returns events for one aggregate ordered by version,
// excluding versions up to and including sinceVersion.
func (s *Store) GetForAggregate(ctx context.Context, aggregateType AggregateType, aggregateID string, sinceVersion int) ([]*Event, error) {
	cursor, err := s.collection.Find(ctx, bson.M{
		"aggregate_type": aggregateType,
		"aggregate_id":   aggregateID,
		"version":        bson.M{"$gt": sinceVersion},
	}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// GetByType returns events of one type ordered by timestamp ascending.
func (s *Store) GetByType(ctx context.Context, eventType EventType, since *time.Time, limit int64) ([]*Event, error) {
	filter := bson.M{"event_type": eventType}
	if since != nil {
		filter["timestamp"] = bson.M{"$gte": *since}
	}

	cursor, err := s.collection.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// GetAllSince returns all events at or after the timestamp, ordered by
// timestamp ascending. Used for projection rebuilds.
func (s *Store) GetAllSince(ctx context.Context, since time.Time, limit int64) ([]*Event, error) {
	cursor, err := s.collection.Find(ctx, bson.M{
		"timestamp": bson.M{"$gte": since},
	}, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// MarkProcessed records that a projection has consumed an event. The
// operation is a set-add: marking twice is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, eventID, projectionName string) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"id": eventID},
		bson.M{"$addToSet": bson.M{"processed_by": projectionName}})
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// CountEvents counts events, optionally filtered by type and timestamp.
func (s *Store) CountEvents(ctx context.Context, eventType EventType, since *time.Time) (int64, error) {
	filter := bson.M{}
	if eventType != "" {
		filter["event_type"] = eventType
	}
	if since != nil {
		filter["timestamp"] = bson.M{"$gte": *since}
	}
	return s.collection.CountDocuments(ctx, filter)
}

// CountSubscribed counts events whose type is in the given set.
func (s *Store) CountSubscribed(ctx context.Context, types []EventType) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	return s.collection.CountDocuments(ctx, bson.M{"event_type": bson.M{"$in": types}})
}

// CountProcessed counts events of the given types already consumed by a
// projection.
func (s *Store) CountProcessed(ctx context.Context, types []EventType, projectionName string) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	return s.collection.CountDocuments(ctx, bson.M{
		"event_type":   bson.M{"$in": types},
		"processed_by": projectionName,
	})
}

// EnsureIndexes creates the event store indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "aggregate_type", Value: 1},
				{Key: "aggregate_id", Value: 1},
				{Key: "version", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("idx_events_aggregate_version"),
		},
		{
			Keys: bson.D{
				{Key: "event_type", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetName("idx_events_type_time"),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("idx_events_time"),
		},
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_events_id"),
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create event store indexes: %w", err)
	}
	return nil
}
