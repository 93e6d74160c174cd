package projection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/internal/eventstore"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

// Closed-stage membership is a case-sensitive match against the stored stage
// name.
var closedStages = map[string]bool{
	"Won":         true,
	"Lost":        true,
	"Closed Won":  true,
	"Closed Lost": true,
}

var wonStages = map[string]bool{
	"Won":        true,
	"Closed Won": true,
}

// DashboardMetricsProjection builds dashboard_metrics: precomputed per-user
// KPIs over the opportunities the user can access.
type DashboardMetricsProjection struct {
	db            *mongo.Database
	collection    *mongo.Collection
	profiles      *mongo.Collection
	opportunities *mongo.Collection
	matrices      *mongo.Collection
	log           *logger.Logger
}

// NewDashboardMetricsProjection creates the dashboard metrics projection.
func NewDashboardMetricsProjection(db *mongo.Database, log *logger.Logger) *DashboardMetricsProjection {
	return &DashboardMetricsProjection{
		db:            db,
		collection:    db.Collection(DashboardMetricsCollection),
		profiles:      db.Collection(UserProfilesCollection),
		opportunities: db.Collection(OpportunityViewCollection),
		matrices:      db.Collection(AccessMatrixCollection),
		log:           log,
	}
}

// Name implements Projection.
func (p *DashboardMetricsProjection) Name() string {
	return "DashboardMetricsProjection"
}

// SubscribesTo implements Projection.
func (p *DashboardMetricsProjection) SubscribesTo() []eventstore.EventType {
	return []eventstore.EventType{
		eventstore.EventTypeOdooOpportunitySynced,
		eventstore.EventTypeOpportunityStageChanged,
		eventstore.EventTypeOdooUserSynced,
	}
}

// Truncate implements Truncator.
func (p *DashboardMetricsProjection) Truncate(ctx context.Context) error {
	_, err := p.collection.DeleteMany(ctx, bson.M{})
	return err
}

// Handle implements Projection.
func (p *DashboardMetricsProjection) Handle(ctx context.Context, event *eventstore.Event) error {
	switch event.Type {
	case eventstore.EventTypeOdooOpportunitySynced, eventstore.EventTypeOpportunityStageChanged:
		return p.handleOpportunityChanged(ctx, event)
	case eventstore.EventTypeOdooUserSynced:
		email := strings.ToLower(event.PayloadString("email"))
		if email == "" {
			return nil
		}
		var user UserProfile
		err := p.profiles.FindOne(ctx, bson.M{"email": email}).Decode(&user)
		if err == mongo.ErrNoDocuments {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load user profile: %w", err)
		}
		return p.rebuildQuiet(ctx, user.ID)
	}
	return nil
}

// handleOpportunityChanged rebuilds metrics for the salesperson and their
// manager.
func (p *DashboardMetricsProjection) handleOpportunityChanged(ctx context.Context, event *eventstore.Event) error {
	spID := event.PayloadInt64("salesperson_id")
	if spID == 0 {
		return nil
	}

	var user UserProfile
	err := p.profiles.FindOne(ctx, bson.M{"odoo.user_id": spID}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve salesperson: %w", err)
	}

	if err := p.rebuildQuiet(ctx, user.ID); err != nil {
		return err
	}

	if user.Hierarchy.Manager != nil && user.Hierarchy.Manager.UserID != "" {
		return p.rebuildQuiet(ctx, user.Hierarchy.Manager.UserID)
	}
	return nil
}

// rebuildQuiet rebuilds metrics but tolerates a missing access matrix: the
// matrix projection may not have run yet for this user, and the query layer
// rebuilds on demand anyway.
func (p *DashboardMetricsProjection) rebuildQuiet(ctx context.Context, userID string) error {
	err := p.RebuildForUser(ctx, userID)
	if err != nil && errors.Is(err, errors.ErrCodeNotInSystem) {
		p.log.Debug().Str("user_id", userID).Msg("No access matrix yet, metrics rebuild skipped")
		return nil
	}
	return err
}

// RebuildForUser recomputes all metrics for one user. Exposed for the query
// layer's on-demand rebuild path.
func (p *DashboardMetricsProjection) RebuildForUser(ctx context.Context, userID string) error {
	var access AccessMatrix
	err := p.matrices.FindOne(ctx, bson.M{"user_id": userID}).Decode(&access)
	if err == mongo.ErrNoDocuments {
		return errors.New(errors.ErrCodeNotInSystem, "no access matrix for user")
	}
	if err != nil {
		return fmt.Errorf("failed to load access matrix: %w", err)
	}

	opps := []OpportunityView{}
	if len(access.AccessibleOpportunities) > 0 {
		cursor, err := p.opportunities.Find(ctx, bson.M{
			"source_id": bson.M{"$in": access.AccessibleOpportunities},
			"is_active": true,
		}, options.Find().SetProjection(bson.M{"source_id": 1, "stage": 1, "value": 1}))
		if err != nil {
			return fmt.Errorf("failed to load opportunities: %w", err)
		}
		defer cursor.Close(ctx)

		if err := cursor.All(ctx, &opps); err != nil {
			return fmt.Errorf("failed to decode opportunities: %w", err)
		}
	}

	metrics := ComputeMetrics(userID, opps)
	if access.IsManager {
		metrics.TeamMetrics = &TeamMetrics{
			TeamSize:     access.SubordinateCount,
			TeamPipeline: metrics.PipelineValue,
			TeamWon:      metrics.WonRevenue,
		}
	}

	_, err = p.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": metrics},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store dashboard metrics: %w", err)
	}

	p.log.Info().
		Str("user_id", userID).
		Float64("pipeline_value", metrics.PipelineValue).
		Int("active_opportunities", metrics.ActiveOpportunities).
		Msg("Dashboard metrics computed")

	return nil
}

// ComputeMetrics aggregates KPIs over a set of opportunity views. Pure
// computation, shared by rebuilds and tests.
func ComputeMetrics(userID string, opps []OpportunityView) *DashboardMetrics {
	metrics := &DashboardMetrics{
		UserID:     userID,
		ByStage:    map[string]StageMetric{},
		DataPoints: len(opps),
		ComputedAt: time.Now().UTC(),
		TTLSeconds: FreshnessTTLSeconds,
	}

	for _, opp := range opps {
		metrics.TotalOpportunities++

		if wonStages[opp.Stage] {
			metrics.WonCount++
			metrics.WonRevenue += opp.Value
		}
		if closedStages[opp.Stage] {
			continue
		}

		metrics.ActiveOpportunities++
		metrics.PipelineValue += opp.Value

		stage := metrics.ByStage[opp.Stage]
		stage.Count++
		stage.Value += opp.Value
		metrics.ByStage[opp.Stage] = stage
	}

	return metrics
}
