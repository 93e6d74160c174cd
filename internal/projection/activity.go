package projection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/salescommand/backbone/internal/eventstore"
	"github.com/salescommand/backbone/pkg/logger"
)

// opportunityResModel is the source model name that marks an activity as
// attached to an opportunity. Activities on other models are ignored.
const opportunityResModel = "crm.lead"

// ActivityProjection builds the activity_view. Activities inherit their
// visibility set verbatim from the linked opportunity at event time.
type ActivityProjection struct {
	db            *mongo.Database
	collection    *mongo.Collection
	opportunities *mongo.Collection
	profiles      *mongo.Collection
	log           *logger.Logger
}

// NewActivityProjection creates the activity projection.
func NewActivityProjection(db *mongo.Database, log *logger.Logger) *ActivityProjection {
	return &ActivityProjection{
		db:            db,
		collection:    db.Collection(ActivityViewCollection),
		opportunities: db.Collection(OpportunityViewCollection),
		profiles:      db.Collection(UserProfilesCollection),
		log:           log,
	}
}

// Name implements Projection.
func (p *ActivityProjection) Name() string {
	return "ActivityProjection"
}

// SubscribesTo implements Projection.
func (p *ActivityProjection) SubscribesTo() []eventstore.EventType {
	return []eventstore.EventType{eventstore.EventTypeOdooActivitySynced}
}

// Truncate implements Truncator.
func (p *ActivityProjection) Truncate(ctx context.Context) error {
	_, err := p.collection.DeleteMany(ctx, bson.M{})
	return err
}

// Handle implements Projection.
func (p *ActivityProjection) Handle(ctx context.Context, event *eventstore.Event) error {
	if event.Type != eventstore.EventTypeOdooActivitySynced {
		return nil
	}

	sourceID := event.PayloadInt64("id")
	if sourceID == 0 {
		return nil
	}

	if event.PayloadString("res_model") != opportunityResModel {
		p.log.Debug().Int64("source_id", sourceID).Msg("Non-opportunity activity skipped")
		return nil
	}

	resID := event.PayloadInt64("res_id")
	var opp OpportunityView
	err := p.opportunities.FindOne(ctx, bson.M{"source_id": resID}).Decode(&opp)
	if err == mongo.ErrNoDocuments {
		// The sync order projects opportunities first, so this only happens
		// for activities pointing at records never synced.
		p.log.Warn().
			Int64("source_id", sourceID).
			Int64("res_id", resID).
			Msg("Activity links to unknown opportunity, dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load linked opportunity: %w", err)
	}

	assigned, err := p.resolveAssignee(ctx, event)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	doc := bson.M{
		"source_id":     sourceID,
		"activity_type": event.PayloadString("activity_type"),
		"summary":       event.PayloadString("summary"),
		"note":          event.PayloadString("note"),
		"due_date":      event.PayloadString("date_deadline"),
		"state":         event.PayloadString("state"),
		"presales_category": Categorize(
			event.PayloadString("summary"),
			event.PayloadString("activity_type"),
		),
		"opportunity": OpportunitySnapshot{
			ID:          opp.ID,
			SourceID:    opp.SourceID,
			Name:        opp.Name,
			Salesperson: opp.Salesperson,
		},
		"assigned_to":         assigned,
		"visible_to_user_ids": opp.VisibleToUserIDs,
		"is_active":           true,
		"last_synced":         now,
		"event_version":       event.Version,
	}

	_, err = p.collection.UpdateOne(ctx,
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
		return fmt.Errorf("failed to upsert activity view: %w", err)
	}

	p.log.Info().
		Int64("source_id", sourceID).
		Int64("res_id", resID).
		Int("visible_to", len(opp.VisibleToUserIDs)).
		Msg("Activity view updated")

	return nil
}

// resolveAssignee joins the assigned user's profile when one exists.
func (p *ActivityProjection) resolveAssignee(ctx context.Context, event *eventstore.Event) (*AssignedRef, error) {
	odooUserID := event.PayloadInt64("user_id")
	if odooUserID == 0 {
		return nil, nil
	}

	var profile UserProfile
	err := p.profiles.FindOne(ctx, bson.M{"odoo.user_id": odooUserID}).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return &AssignedRef{
			OdooUserID: odooUserID,
			Name:       event.PayloadString("user_name"),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assignee: %w", err)
	}

	return &AssignedRef{
		UserID:     profile.ID,
		OdooUserID: odooUserID,
		Name:       profile.Name,
		Email:      profile.Email,
	}, nil
}

// Presales categories (closed tag set).
const (
	CategoryPOC          = "POC"
	CategoryDemo         = "Demo"
	CategoryPresentation = "Presentation"
	CategoryRFPInfluence = "RFP_Influence"
	CategoryLead         = "Lead"
	CategoryMeeting      = "Meeting"
	CategoryCall         = "Call"
	CategoryOther        = "Other"
)

// Categorize classifies an activity for presales KPI tracking. It is a pure
// lexical classifier over the summary and activity type.
func Categorize(summary, activityType string) string {
	s := strings.ToLower(summary)
	t := strings.ToLower(activityType)

	switch {
	case containsAny(s, "poc", "proof of concept", "pilot"):
		return CategoryPOC
	case containsAny(s, "demo", "demonstration", "walkthrough"):
		return CategoryDemo
	case containsAny(s, "presentation", "pitch", "deck"):
		return CategoryPresentation
	case containsAny(s, "rfp", "tender", "proposal", "bid"):
		return CategoryRFPInfluence
	case containsAny(s, "lead", "qualification", "discovery"):
		return CategoryLead
	case strings.Contains(t, "meeting"):
		return CategoryMeeting
	case strings.Contains(t, "call"):
		return CategoryCall
	}
	return CategoryOther
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
