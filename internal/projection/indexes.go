package projection

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexManager creates the indexes for all projection view collections,
// including the TTL indexes that expire cached access matrices and dashboard
// metrics.
type IndexManager struct {
	db *mongo.Database
}

// NewIndexManager creates an IndexManager.
func NewIndexManager(db *mongo.Database) *IndexManager {
	return &IndexManager{db: db}
}

// CreateAllIndexes creates all projection view indexes.
func (m *IndexManager) CreateAllIndexes(ctx context.Context) error {
	if err := m.createUserProfileIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create user profile indexes: %w", err)
	}
	if err := m.createOpportunityViewIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create opportunity view indexes: %w", err)
	}
	if err := m.createActivityViewIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create activity view indexes: %w", err)
	}
	if err := m.createAccessMatrixIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create access matrix indexes: %w", err)
	}
	if err := m.createDashboardMetricsIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create dashboard metrics indexes: %w", err)
	}
	return nil
}

func (m *IndexManager) createUserProfileIndexes(ctx context.Context) error {
	collection := m.db.Collection(UserProfilesCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_profiles_email_unique"),
		},
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_profiles_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "odoo.user_id", Value: 1}},
			Options: options.Index().SetName("idx_profiles_odoo_user"),
		},
		{
			Keys:    bson.D{{Key: "odoo.employee_id", Value: 1}},
			Options: options.Index().SetName("idx_profiles_odoo_employee"),
		},
		{
			Keys:    bson.D{{Key: "odoo.manager_employee_id", Value: 1}},
			Options: options.Index().SetName("idx_profiles_manager"),
		},
		{
			Keys:    bson.D{{Key: "is_super_admin", Value: 1}},
			Options: options.Index().SetName("idx_profiles_super_admin"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (m *IndexManager) createOpportunityViewIndexes(ctx context.Context) error {
	collection := m.db.Collection(OpportunityViewCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_opp_source_unique"),
		},
		{
			Keys: bson.D{
				{Key: "visible_to_user_ids", Value: 1},
				{Key: "is_active", Value: 1},
			},
			Options: options.Index().SetName("idx_opp_visibility"),
		},
		{
			Keys: bson.D{
				{Key: "stage", Value: 1},
				{Key: "is_active", Value: 1},
			},
			Options: options.Index().SetName("idx_opp_stage"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (m *IndexManager) createActivityViewIndexes(ctx context.Context) error {
	collection := m.db.Collection(ActivityViewCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_activity_source_unique"),
		},
		{
			Keys: bson.D{
				{Key: "visible_to_user_ids", Value: 1},
				{Key: "is_active", Value: 1},
			},
			Options: options.Index().SetName("idx_activity_visibility"),
		},
		{
			Keys:    bson.D{{Key: "opportunity.source_id", Value: 1}},
			Options: options.Index().SetName("idx_activity_opportunity"),
		},
		{
			Keys:    bson.D{{Key: "presales_category", Value: 1}},
			Options: options.Index().SetName("idx_activity_category"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (m *IndexManager) createAccessMatrixIndexes(ctx context.Context) error {
	collection := m.db.Collection(AccessMatrixCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_matrix_user_unique"),
		},
		{
			Keys: bson.D{{Key: "computed_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(StoreExpirySeconds).
				SetName("idx_matrix_ttl"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (m *IndexManager) createDashboardMetricsIndexes(ctx context.Context) error {
	collection := m.db.Collection(DashboardMetricsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_metrics_user_unique"),
		},
		{
			Keys: bson.D{{Key: "computed_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(StoreExpirySeconds).
				SetName("idx_metrics_ttl"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}
