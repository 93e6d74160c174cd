package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

const jobsCollection = "sync_jobs"

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// TriggerSource records how a job was started.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
)

// Job is one sync job document. At most one job is running at any time.
type Job struct {
	ID            string         `bson:"id" json:"id"`
	Status        JobStatus      `bson:"status" json:"status"`
	StartedAt     time.Time      `bson:"started_at" json:"started_at"`
	CompletedAt   *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	TriggeredBy   string         `bson:"triggered_by" json:"triggered_by"`
	TriggerSource TriggerSource  `bson:"trigger_source" json:"trigger_source"`
	Stats         map[string]int `bson:"stats" json:"stats"`
	ErrorMessage  string         `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

// JobStore persists sync job state.
type JobStore struct {
	collection *mongo.Collection
	log        *logger.Logger
}

// NewJobStore creates a job store backed by the given database.
func NewJobStore(db *mongo.Database, log *logger.Logger) *JobStore {
	return &JobStore{
		collection: db.Collection(jobsCollection),
		log:        log,
	}
}

// Start creates a new running job. Starting while another job is running is
// rejected with a SYNC_ALREADY_RUNNING conflict, enforced by the partial
// unique index on status=running.
func (s *JobStore) Start(ctx context.Context, triggeredBy string, source TriggerSource) (*Job, error) {
	job := &Job{
		ID:            uuid.New().String(),
		Status:        JobStatusRunning,
		StartedAt:     time.Now().UTC(),
		TriggeredBy:   triggeredBy,
		TriggerSource: source,
		Stats:         map[string]int{},
	}

	if _, err := s.collection.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.New(errors.ErrCodeSyncRunning, "a sync job is already running")
		}
		return nil, fmt.Errorf("failed to start sync job: %w", err)
	}

	s.log.Info().
		JobID(job.ID).
		Str("trigger_source", string(source)).
		Str("triggered_by", triggeredBy).
		Msg("Sync job started")

	return job, nil
}

// Complete marks a job completed with its final stats.
func (s *JobStore) Complete(ctx context.Context, jobID string, stats map[string]int) error {
	now := time.Now().UTC()
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": jobID},
		bson.M{"$set": bson.M{
			"status":       JobStatusCompleted,
			"completed_at": now,
			"stats":        stats,
		}})
	if err != nil {
		return fmt.Errorf("failed to complete sync job: %w", err)
	}
	if result.MatchedCount == 0 {
		return errors.New(errors.ErrCodeJobNotFound, "sync job not found")
	}
	return nil
}

// Fail marks a job failed, capturing the error message and partial stats.
func (s *JobStore) Fail(ctx context.Context, jobID string, stats map[string]int, message string) error {
	now := time.Now().UTC()
	update := bson.M{
		"status":        JobStatusFailed,
		"completed_at":  now,
		"error_message": message,
	}
	if stats != nil {
		update["stats"] = stats
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"id": jobID}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("failed to fail sync job: %w", err)
	}
	if result.MatchedCount == 0 {
		return errors.New(errors.ErrCodeJobNotFound, "sync job not found")
	}
	return nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.collection.FindOne(ctx, bson.M{"id": jobID}).Decode(&job)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.New(errors.ErrCodeJobNotFound, "sync job not found")
		}
		return nil, fmt.Errorf("failed to load sync job: %w", err)
	}
	return &job, nil
}

// Latest returns the most recently started job, if any.
func (s *JobStore) Latest(ctx context.Context) (*Job, error) {
	var job Job
	err := s.collection.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})).Decode(&job)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.New(errors.ErrCodeJobNotFound, "no sync jobs yet")
		}
		return nil, fmt.Errorf("failed to load latest sync job: %w", err)
	}
	return &job, nil
}

// EnsureIndexes creates the sync job indexes.
func (s *JobStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_jobs_id"),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": JobStatusRunning}).
				SetName("idx_jobs_single_running"),
		},
		{
			Keys:    bson.D{{Key: "started_at", Value: -1}},
			Options: options.Index().SetName("idx_jobs_started"),
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create sync job indexes: %w", err)
	}
	return nil
}
