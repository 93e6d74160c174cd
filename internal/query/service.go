// Package query is the read side exposed to external collaborators. All
// queries are served from projection views; expired cached views trigger a
// synchronous per-user rebuild guarded by a Redis lock. A reader that finds
// the lock held waits briefly and then rebuilds as well, so concurrent
// readers can duplicate the (idempotent) rebuild.
package query

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/internal/projection"
	"github.com/salescommand/backbone/pkg/database"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

const (
	accessCachePrefix  = "backbone:access:"
	metricsCachePrefix = "backbone:metrics:"
	rebuildLockPrefix  = "backbone:rebuild:"

	rebuildLockTTL = 30 * time.Second
	cacheTTL       = time.Duration(projection.FreshnessTTLSeconds) * time.Second
)

// matrixRebuilder rebuilds one user's access matrix.
type matrixRebuilder interface {
	RebuildForUser(ctx context.Context, userID string) error
}

// metricsRebuilder rebuilds one user's dashboard metrics.
type metricsRebuilder interface {
	RebuildForUser(ctx context.Context, userID string) error
}

// ActivityFilter narrows activity visibility queries.
type ActivityFilter struct {
	Category string
	State    string
}

// Service answers dashboard and access-control queries from the projection
// views.
type Service struct {
	db       *mongo.Database
	cache    *database.RedisClient
	matrices matrixRebuilder
	metrics  metricsRebuilder
	log      *logger.Logger
}

// NewService creates a query service.
func NewService(db *mongo.Database, cache *database.RedisClient, matrices matrixRebuilder, metrics metricsRebuilder, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		cache:    cache,
		matrices: matrices,
		metrics:  metrics,
		log:      log,
	}
}

// GetAccessMatrix returns the user's access matrix, rebuilding it
// synchronously when missing or past its freshness window.
func (s *Service) GetAccessMatrix(ctx context.Context, userID string) (*projection.AccessMatrix, error) {
	if s.cache != nil {
		var cached projection.AccessMatrix
		if err := s.cache.Get(ctx, accessCachePrefix+userID, &cached); err == nil && cached.IsFresh(time.Now().UTC()) {
			return &cached, nil
		}
	}

	matrix, err := s.loadMatrix(ctx, userID)
	if err == nil && matrix.IsFresh(time.Now().UTC()) {
		s.cacheMatrix(ctx, matrix)
		return matrix, nil
	}

	if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	if err := s.rebuildWithLock(ctx, "access", userID, s.matrices.RebuildForUser); err != nil {
		return nil, err
	}

	matrix, err = s.loadMatrix(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, errors.New(errors.ErrCodeNotInSystem, "user is not in the system; trigger a resync")
		}
		return nil, err
	}

	s.cacheMatrix(ctx, matrix)
	return matrix, nil
}

func (s *Service) loadMatrix(ctx context.Context, userID string) (*projection.AccessMatrix, error) {
	var matrix projection.AccessMatrix
	err := s.db.Collection(projection.AccessMatrixCollection).
		FindOne(ctx, bson.M{"user_id": userID}).Decode(&matrix)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrNotFound("access matrix")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access matrix: %w", err)
	}
	return &matrix, nil
}

func (s *Service) cacheMatrix(ctx context.Context, matrix *projection.AccessMatrix) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, accessCachePrefix+matrix.UserID, matrix, cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("user_id", matrix.UserID).Msg("Failed to cache access matrix")
	}
}

// GetDashboardMetrics returns the user's dashboard metrics with the same
// miss-and-rebuild semantics as GetAccessMatrix. A metrics rebuild needs a
// matrix, so a missing matrix is rebuilt first.
func (s *Service) GetDashboardMetrics(ctx context.Context, userID string) (*projection.DashboardMetrics, error) {
	if s.cache != nil {
		var cached projection.DashboardMetrics
		if err := s.cache.Get(ctx, metricsCachePrefix+userID, &cached); err == nil && cached.IsFresh(time.Now().UTC()) {
			return &cached, nil
		}
	}

	metrics, err := s.loadMetrics(ctx, userID)
	if err == nil && metrics.IsFresh(time.Now().UTC()) {
		s.cacheMetrics(ctx, metrics)
		return metrics, nil
	}
	if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	rebuild := func(ctx context.Context, userID string) error {
		if _, merr := s.loadMatrix(ctx, userID); merr != nil {
			if !errors.Is(merr, errors.ErrCodeNotFound) {
				return merr
			}
			if rerr := s.matrices.RebuildForUser(ctx, userID); rerr != nil {
				return rerr
			}
		}
		return s.metrics.RebuildForUser(ctx, userID)
	}

	if err := s.rebuildWithLock(ctx, "metrics", userID, rebuild); err != nil {
		return nil, err
	}

	metrics, err = s.loadMetrics(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, errors.New(errors.ErrCodeNotInSystem, "user is not in the system; trigger a resync")
		}
		return nil, err
	}

	s.cacheMetrics(ctx, metrics)
	return metrics, nil
}

func (s *Service) loadMetrics(ctx context.Context, userID string) (*projection.DashboardMetrics, error) {
	var metrics projection.DashboardMetrics
	err := s.db.Collection(projection.DashboardMetricsCollection).
		FindOne(ctx, bson.M{"user_id": userID}).Decode(&metrics)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrNotFound("dashboard metrics")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dashboard metrics: %w", err)
	}
	return &metrics, nil
}

func (s *Service) cacheMetrics(ctx context.Context, metrics *projection.DashboardMetrics) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, metricsCachePrefix+metrics.UserID, metrics, cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("user_id", metrics.UserID).Msg("Failed to cache dashboard metrics")
	}
}

// rebuildWithLock runs a per-user rebuild under a Redis lock. When the lock
// is held elsewhere the rebuild proceeds anyway after a short grace period;
// rebuilds are idempotent, so duplicated work is safe, just wasted.
func (s *Service) rebuildWithLock(ctx context.Context, kind, userID string, rebuild func(context.Context, string) error) error {
	lockKey := rebuildLockPrefix + kind + ":" + userID

	if s.cache != nil {
		acquired, err := s.cache.AcquireLock(ctx, lockKey, rebuildLockTTL)
		if err != nil {
			s.log.Warn().Err(err).Msg("Rebuild lock unavailable, rebuilding anyway")
		} else if !acquired {
			// Another reader is rebuilding; give it a moment, then rebuild anyway.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		} else {
			defer s.cache.ReleaseLock(ctx, lockKey)
		}
	}

	err := rebuild(ctx, userID)
	if err != nil && errors.Is(err, errors.ErrCodeNotInSystem) {
		return err
	}
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeProjection, "%s rebuild failed for %s", kind, userID)
	}
	return nil
}

// QueryOpportunitiesVisibleTo returns the active opportunity views the user
// may read, most valuable first.
func (s *Service) QueryOpportunitiesVisibleTo(ctx context.Context, userID string) ([]projection.OpportunityView, error) {
	profile, err := s.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"is_active": true}
	if !profile.IsSuperAdmin {
		filter["visible_to_user_ids"] = userID
	}

	cursor, err := s.db.Collection(projection.OpportunityViewCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "value", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer cursor.Close(ctx)

	views := []projection.OpportunityView{}
	if err := cursor.All(ctx, &views); err != nil {
		return nil, fmt.Errorf("failed to decode opportunities: %w", err)
	}
	return views, nil
}

// QueryActivitiesVisibleTo returns the active activity views the user may
// read, optionally narrowed by category and state.
func (s *Service) QueryActivitiesVisibleTo(ctx context.Context, userID string, filter ActivityFilter) ([]projection.ActivityView, error) {
	profile, err := s.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	query := bson.M{"is_active": true}
	if !profile.IsSuperAdmin {
		query["visible_to_user_ids"] = userID
	}
	if filter.Category != "" {
		query["presales_category"] = filter.Category
	}
	if filter.State != "" {
		query["state"] = filter.State
	}

	cursor, err := s.db.Collection(projection.ActivityViewCollection).Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "due_date", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer cursor.Close(ctx)

	views := []projection.ActivityView{}
	if err := cursor.All(ctx, &views); err != nil {
		return nil, fmt.Errorf("failed to decode activities: %w", err)
	}
	return views, nil
}

// GetUserProfile returns one user profile by stable id.
func (s *Service) GetUserProfile(ctx context.Context, userID string) (*projection.UserProfile, error) {
	var profile projection.UserProfile
	err := s.db.Collection(projection.UserProfilesCollection).
		FindOne(ctx, bson.M{"id": userID}).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return nil, errors.New(errors.ErrCodeNotInSystem, "user is not in the system; trigger a resync")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	return &profile, nil
}
