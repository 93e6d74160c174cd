package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/internal/eventstore"
	"github.com/salescommand/backbone/pkg/logger"
)

// rawReader resolves the latest raw account record for account
// denormalization.
type rawReader interface {
	LatestPayload(ctx context.Context, entityType string, sourceID int64) (map[string]interface{}, error)
}

// OpportunityProjection builds the opportunity_view: denormalized
// opportunities with pre-joined salesperson and account snapshots and a
// precomputed visible_to_user_ids set for O(1) access control.
type OpportunityProjection struct {
	db         *mongo.Database
	collection *mongo.Collection
	profiles   *mongo.Collection
	raw        rawReader
	log        *logger.Logger
}

// NewOpportunityProjection creates the opportunity projection.
func NewOpportunityProjection(db *mongo.Database, raw rawReader, log *logger.Logger) *OpportunityProjection {
	return &OpportunityProjection{
		db:         db,
		collection: db.Collection(OpportunityViewCollection),
		profiles:   db.Collection(UserProfilesCollection),
		raw:        raw,
		log:        log,
	}
}

// Name implements Projection.
func (p *OpportunityProjection) Name() string {
	return "OpportunityProjection"
}

// SubscribesTo implements Projection.
func (p *OpportunityProjection) SubscribesTo() []eventstore.EventType {
	return []eventstore.EventType{
		eventstore.EventTypeOdooOpportunitySynced,
		eventstore.EventTypeOpportunityAssigned,
		eventstore.EventTypeOpportunityStageChanged,
		eventstore.EventTypeOpportunityDeleted,
	}
}

// Handle implements Projection. Stage changes re-denormalize fully rather
// than patching the stage field; the sync payload carries the whole record
// and a full rewrite is idempotent.
func (p *OpportunityProjection) Handle(ctx context.Context, event *eventstore.Event) error {
	switch event.Type {
	case eventstore.EventTypeOdooOpportunitySynced,
		eventstore.EventTypeOpportunityAssigned,
		eventstore.EventTypeOpportunityStageChanged:
		return p.handleSynced(ctx, event)
	case eventstore.EventTypeOpportunityDeleted:
		return p.handleDeleted(ctx, event)
	}
	return nil
}

// Truncate implements Truncator.
func (p *OpportunityProjection) Truncate(ctx context.Context) error {
	_, err := p.collection.DeleteMany(ctx, bson.M{})
	return err
}

// handleSynced rebuilds the full denormalized view for one opportunity.
func (p *OpportunityProjection) handleSynced(ctx context.Context, event *eventstore.Event) error {
	sourceID := event.PayloadInt64("id")
	if sourceID == 0 {
		p.log.Warn().EventID(event.ID).Msg("Opportunity event has no source id, skipped")
		return nil
	}

	salesperson, visibleTo, err := p.resolveSalesperson(ctx, event)
	if err != nil {
		return err
	}

	account, err := p.resolveAccount(ctx, event.PayloadInt64("partner_id"))
	if err != nil {
		return err
	}

	admins, err := p.superAdminIDs(ctx)
	if err != nil {
		return err
	}
	visibleTo = append(visibleTo, admins...)

	now := time.Now().UTC()
	doc := bson.M{
		"source_id":           sourceID,
		"name":                event.PayloadString("name"),
		"stage":               event.PayloadString("stage_name"),
		"value":               event.PayloadFloat("expected_revenue"),
		"probability":         event.PayloadFloat("probability"),
		"expected_close_date": event.PayloadString("date_deadline"),
		"description":         event.PayloadString("description"),
		"salesperson":         salesperson,
		"account":             account,
		"visible_to_user_ids": dedupe(visibleTo),
		"is_active":           true,
		"deleted_at":          nil,
		"delete_reason":       "",
		"last_synced":         now,
		"event_version":       event.Version,
	}

	result, err := p.collection.UpdateOne(ctx,
		bson.M{"source_id": sourceID},
		bson.M{
			"$set": doc,
			"$setOnInsert": bson.M{
				"id":         uuid.New().String(),
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert opportunity view: %w", err)
	}

	action := "updated"
	if result.UpsertedCount > 0 {
		action = "created"
	}
	p.log.Info().
		Int64("source_id", sourceID).
		Int("visible_to", len(dedupe(visibleTo))).
		Msgf("Opportunity view %s", action)

	return nil
}

// resolveSalesperson joins the salesperson profile and derives the base
// visibility set: the salesperson and their manager. An unresolved
// salesperson is recorded with its raw user id and an empty UserID.
func (p *OpportunityProjection) resolveSalesperson(ctx context.Context, event *eventstore.Event) (*SalespersonRef, []string, error) {
	spOdooUserID := event.PayloadInt64("salesperson_id")
	if spOdooUserID == 0 {
		p.log.Warn().Int64("source_id", event.PayloadInt64("id")).Msg("Opportunity has no salesperson")
		return nil, nil, nil
	}

	var profile UserProfile
	err := p.profiles.FindOne(ctx, bson.M{"odoo.user_id": spOdooUserID}).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		// Keep the raw id so a later user sync can be matched up.
		return &SalespersonRef{
			OdooUserID: spOdooUserID,
			Name:       event.PayloadString("salesperson_name"),
		}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve salesperson: %w", err)
	}

	ref := &SalespersonRef{
		UserID:     profile.ID,
		OdooUserID: profile.Odoo.UserID,
		EmployeeID: profile.Odoo.EmployeeID,
		Name:       profile.Name,
		Email:      profile.Email,
		TeamID:     profile.Odoo.TeamID,
		TeamName:   profile.Odoo.TeamName,
		Manager:    profile.Hierarchy.Manager,
	}

	visibleTo := []string{profile.ID}
	if ref.Manager != nil && ref.Manager.UserID != "" {
		visibleTo = append(visibleTo, ref.Manager.UserID)
	}

	return ref, visibleTo, nil
}

// resolveAccount extracts display fields from the latest raw account record.
func (p *OpportunityProjection) resolveAccount(ctx context.Context, partnerID int64) (*AccountRef, error) {
	if partnerID == 0 {
		return nil, nil
	}

	payload, err := p.raw.LatestPayload(ctx, "account", partnerID)
	if err != nil || payload == nil {
		// A missing account record is not an error; the snapshot fills in on
		// the next account sync.
		return nil, nil
	}

	ref := &AccountRef{SourceID: partnerID}
	if s, ok := payload["name"].(string); ok {
		ref.Name = s
	}
	if s, ok := payload["city"].(string); ok {
		ref.City = s
	}
	if s, ok := payload["country_name"].(string); ok {
		ref.Country = s
	}
	return ref, nil
}

// superAdminIDs lists the user ids of all currently-known super admins.
func (p *OpportunityProjection) superAdminIDs(ctx context.Context) ([]string, error) {
	cursor, err := p.profiles.Find(ctx,
		bson.M{"is_super_admin": true},
		options.Find().SetProjection(bson.M{"id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list super admins: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode super admin: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// handleDeleted soft-deletes the view; the document stays readable for audit.
func (p *OpportunityProjection) handleDeleted(ctx context.Context, event *eventstore.Event) error {
	sourceID := event.PayloadInt64("id")
	if sourceID == 0 {
		sourceID = event.PayloadInt64("odoo_id")
	}
	if sourceID == 0 {
		return nil
	}

	reason := event.PayloadString("reason")
	if reason == "" {
		reason = "deleted_in_source"
	}

	_, err := p.collection.UpdateOne(ctx,
		bson.M{"source_id": sourceID},
		bson.M{"$set": bson.M{
			"is_active":     false,
			"deleted_at":    time.Now().UTC(),
			"delete_reason": reason,
			"event_version": event.Version,
		}})
	if err != nil {
		return fmt.Errorf("failed to soft-delete opportunity view: %w", err)
	}

	p.log.Info().Int64("source_id", sourceID).Msg("Opportunity view soft-deleted")
	return nil
}

// dedupe removes duplicates preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
