package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

const rawCollection = "raw_entities"

// RawRecord is a versioned, checksum-keyed copy of a fetched source record.
// Supersession never deletes prior versions; for each (entity_type,
// source_id) at most one document has is_latest=true.
type RawRecord struct {
	ID         string                 `bson:"id"`
	EntityType string                 `bson:"entity_type"`
	SourceID   int64                  `bson:"source_id"`
	RawPayload map[string]interface{} `bson:"raw_payload"`
	FetchedAt  time.Time              `bson:"fetched_at"`
	SyncJobID  string                 `bson:"sync_job_id"`
	IsLatest   bool                   `bson:"is_latest"`
	Checksum   string                 `bson:"checksum"`
	// Deleted marks a record that disappeared from the source. The document
	// stays latest so the deletion is not re-detected on every sync.
	Deleted bool `bson:"deleted,omitempty"`
}

// UpsertResult reports the outcome of a raw store upsert.
type UpsertResult struct {
	Stored  bool
	Changed bool
	Record  *RawRecord
}

// Checksum computes the hex SHA-256 of the JSON-canonicalized payload.
// encoding/json marshals map keys in lexicographic order with no whitespace,
// which is exactly the canonical form the checksum is defined over.
func Checksum(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RawStore persists versioned raw source records.
type RawStore struct {
	collection *mongo.Collection
	log        *logger.Logger
}

// NewRawStore creates a raw store backed by the given database.
func NewRawStore(db *mongo.Database, log *logger.Logger) *RawStore {
	return &RawStore{
		collection: db.Collection(rawCollection),
		log:        log,
	}
}

// Upsert stores a fetched record unless it is byte-identical (by checksum) to
// the current latest version. When the payload drifted, the previous latest
// is superseded and a fresh version inserted in its place.
func (s *RawStore) Upsert(ctx context.Context, entityType string, sourceID int64, payload map[string]interface{}, syncJobID string) (*UpsertResult, error) {
	checksum, err := Checksum(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeRecordParse, "cannot checksum payload")
	}

	var existing RawRecord
	err = s.collection.FindOne(ctx, bson.M{
		"entity_type": entityType,
		"source_id":   sourceID,
		"is_latest":   true,
	}).Decode(&existing)

	if err == nil && existing.Checksum == checksum {
		if existing.Deleted {
			// The record reappeared in the source unchanged. Clear the
			// deletion mark and report drift so projections resurrect it.
			_, uerr := s.collection.UpdateOne(ctx,
				bson.M{"id": existing.ID},
				bson.M{"$set": bson.M{"deleted": false, "sync_job_id": syncJobID, "fetched_at": time.Now().UTC()}})
			if uerr != nil {
				return nil, fmt.Errorf("failed to clear deletion mark: %w", uerr)
			}
			existing.Deleted = false
			return &UpsertResult{Stored: true, Changed: true, Record: &existing}, nil
		}
		// Idempotency shortcut: the source record has not drifted.
		return &UpsertResult{Stored: true, Changed: false, Record: &existing}, nil
	}
	if err != nil && err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to load latest raw record: %w", err)
	}

	// Supersede the current latest, then insert the new version. The partial
	// unique index on (entity_type, source_id, is_latest=true) serializes
	// concurrent upserts for the same source record.
	_, err = s.collection.UpdateMany(ctx, bson.M{
		"entity_type": entityType,
		"source_id":   sourceID,
		"is_latest":   true,
	}, bson.M{"$set": bson.M{"is_latest": false}})
	if err != nil {
		return nil, fmt.Errorf("failed to supersede raw record: %w", err)
	}

	record := &RawRecord{
		ID:         uuid.New().String(),
		EntityType: entityType,
		SourceID:   sourceID,
		RawPayload: payload,
		FetchedAt:  time.Now().UTC(),
		SyncJobID:  syncJobID,
		IsLatest:   true,
		Checksum:   checksum,
	}

	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.Wrapf(err, errors.ErrCodeConflict,
				"concurrent upsert for %s/%d", entityType, sourceID)
		}
		return nil, fmt.Errorf("failed to insert raw record: %w", err)
	}

	return &UpsertResult{Stored: true, Changed: true, Record: record}, nil
}

// Latest returns the current latest raw record for (entityType, sourceID).
func (s *RawStore) Latest(ctx context.Context, entityType string, sourceID int64) (*RawRecord, error) {
	var record RawRecord
	err := s.collection.FindOne(ctx, bson.M{
		"entity_type": entityType,
		"source_id":   sourceID,
		"is_latest":   true,
	}).Decode(&record)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.ErrNotFound("raw record")
		}
		return nil, fmt.Errorf("failed to load raw record: %w", err)
	}
	return &record, nil
}

// LatestPayload returns the payload of the latest raw record, or nil when no
// record exists.
func (s *RawStore) LatestPayload(ctx context.Context, entityType string, sourceID int64) (map[string]interface{}, error) {
	record, err := s.Latest(ctx, entityType, sourceID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record.RawPayload, nil
}

// MarkDeleted flags the latest record of (entityType, sourceID) as gone from
// the source.
func (s *RawStore) MarkDeleted(ctx context.Context, entityType string, sourceID int64) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{
		"entity_type": entityType,
		"source_id":   sourceID,
		"is_latest":   true,
	}, bson.M{"$set": bson.M{"deleted": true}})
	if err != nil {
		return fmt.Errorf("failed to mark raw record deleted: %w", err)
	}
	return nil
}

// LatestSourceIDs returns the source ids of all latest, non-deleted records
// for an entity type. Used to detect records that disappeared from the source.
func (s *RawStore) LatestSourceIDs(ctx context.Context, entityType string) ([]int64, error) {
	cursor, err := s.collection.Find(ctx, bson.M{
		"entity_type": entityType,
		"is_latest":   true,
		"deleted":     bson.M{"$ne": true},
	}, options.Find().SetProjection(bson.M{"source_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list raw source ids: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []int64
	for cursor.Next(ctx) {
		var doc struct {
			SourceID int64 `bson:"source_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode raw record: %w", err)
		}
		ids = append(ids, doc.SourceID)
	}
	return ids, cursor.Err()
}

// EnsureIndexes creates the raw store indexes.
func (s *RawStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "entity_type", Value: 1},
				{Key: "source_id", Value: 1},
				{Key: "is_latest", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"is_latest": true}).
				SetName("idx_raw_latest_unique"),
		},
		{
			Keys: bson.D{
				{Key: "entity_type", Value: 1},
				{Key: "source_id", Value: 1},
				{Key: "fetched_at", Value: -1},
			},
			Options: options.Index().SetName("idx_raw_history"),
		},
		{
			Keys:    bson.D{{Key: "sync_job_id", Value: 1}},
			Options: options.Index().SetName("idx_raw_sync_job"),
		},
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_raw_id"),
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create raw store indexes: %w", err)
	}
	return nil
}
