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

// AccessMatrixProjection builds user_access_matrix: precomputed per-user
// access lists so that authorization is an O(1) lookup instead of filtering
// thousands of views per request. On every relevant event only the affected
// users' matrices are rebuilt, never the whole system.
type AccessMatrixProjection struct {
	db            *mongo.Database
	collection    *mongo.Collection
	profiles      *mongo.Collection
	opportunities *mongo.Collection
	log           *logger.Logger
}

// NewAccessMatrixProjection creates the access matrix projection.
func NewAccessMatrixProjection(db *mongo.Database, log *logger.Logger) *AccessMatrixProjection {
	return &AccessMatrixProjection{
		db:            db,
		collection:    db.Collection(AccessMatrixCollection),
		profiles:      db.Collection(UserProfilesCollection),
		opportunities: db.Collection(OpportunityViewCollection),
		log:           log,
	}
}

// Name implements Projection.
func (p *AccessMatrixProjection) Name() string {
	return "AccessMatrixProjection"
}

// SubscribesTo implements Projection.
func (p *AccessMatrixProjection) SubscribesTo() []eventstore.EventType {
	return []eventstore.EventType{
		eventstore.EventTypeOdooUserSynced,
		eventstore.EventTypeManagerAssigned,
		eventstore.EventTypeOdooOpportunitySynced,
		eventstore.EventTypeOpportunityAssigned,
	}
}

// Truncate implements Truncator.
func (p *AccessMatrixProjection) Truncate(ctx context.Context) error {
	_, err := p.collection.DeleteMany(ctx, bson.M{})
	return err
}

// Handle implements Projection.
func (p *AccessMatrixProjection) Handle(ctx context.Context, event *eventstore.Event) error {
	switch event.Type {
	case eventstore.EventTypeOdooUserSynced, eventstore.EventTypeManagerAssigned:
		return p.handleUserChanged(ctx, event)
	case eventstore.EventTypeOdooOpportunitySynced, eventstore.EventTypeOpportunityAssigned:
		return p.handleOpportunityChanged(ctx, event)
	}
	return nil
}

// handleUserChanged rebuilds the subject's matrix plus their subordinates'
// and manager's, whose visibility may have shifted.
func (p *AccessMatrixProjection) handleUserChanged(ctx context.Context, event *eventstore.Event) error {
	email := strings.ToLower(event.PayloadString("email"))
	if email == "" {
		email = strings.ToLower(event.PayloadString("user_email"))
	}
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

	if err := p.RebuildForUser(ctx, user.ID); err != nil {
		return err
	}

	for _, sub := range user.Hierarchy.Subordinates {
		if err := p.RebuildForUser(ctx, sub.UserID); err != nil {
			return err
		}
	}

	if user.Hierarchy.Manager != nil && user.Hierarchy.Manager.UserID != "" {
		if err := p.RebuildForUser(ctx, user.Hierarchy.Manager.UserID); err != nil {
			return err
		}
	}

	return nil
}

// handleOpportunityChanged rebuilds the matrices of the old and new owners
// and the new owner's manager.
func (p *AccessMatrixProjection) handleOpportunityChanged(ctx context.Context, event *eventstore.Event) error {
	oldOwner := event.PayloadInt64("old_owner_id")
	newOwner := event.PayloadInt64("new_owner_id")
	if newOwner == 0 {
		newOwner = event.PayloadInt64("salesperson_id")
	}

	if oldOwner != 0 {
		if err := p.rebuildForOdooUser(ctx, oldOwner, false); err != nil {
			return err
		}
	}
	if newOwner != 0 {
		if err := p.rebuildForOdooUser(ctx, newOwner, true); err != nil {
			return err
		}
	}

	// Super admins see every opportunity; their matrices go stale on any
	// opportunity change and TTL expiry refreshes them on read.
	return nil
}

// rebuildForOdooUser resolves an Odoo user id to a profile and rebuilds the
// matrix, optionally including the user's manager.
func (p *AccessMatrixProjection) rebuildForOdooUser(ctx context.Context, odooUserID int64, includeManager bool) error {
	var user UserProfile
	err := p.profiles.FindOne(ctx, bson.M{"odoo.user_id": odooUserID}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve user by odoo id: %w", err)
	}

	if err := p.RebuildForUser(ctx, user.ID); err != nil {
		return err
	}

	if includeManager && user.Hierarchy.Manager != nil && user.Hierarchy.Manager.UserID != "" {
		return p.RebuildForUser(ctx, user.Hierarchy.Manager.UserID)
	}
	return nil
}

// RebuildForUser recomputes the access matrix for one user. Exposed for the
// query layer's on-demand rebuild path.
func (p *AccessMatrixProjection) RebuildForUser(ctx context.Context, userID string) error {
	var user UserProfile
	err := p.profiles.FindOne(ctx, bson.M{"id": userID}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		p.log.Warn().Str("user_id", userID).Msg("Cannot rebuild access matrix, user not found")
		return errors.New(errors.ErrCodeNotInSystem, "user profile not found")
	}
	if err != nil {
		return fmt.Errorf("failed to load user profile: %w", err)
	}

	oppIDs, accountIDs, err := p.accessibleOpportunities(ctx, &user)
	if err != nil {
		return err
	}

	subordinateIDs, err := p.transitiveSubordinates(ctx, &user)
	if err != nil {
		return err
	}

	managedTeams := []int64{}
	if user.Hierarchy.IsManager && user.Odoo.TeamID != 0 {
		managedTeams = append(managedTeams, user.Odoo.TeamID)
	}

	matrix := AccessMatrix{
		UserID:                  user.ID,
		Email:                   user.Email,
		AccessibleOpportunities: oppIDs,
		AccessibleAccounts:      accountIDs,
		AccessibleUserIDs:       subordinateIDs,
		IsSuperAdmin:            user.IsSuperAdmin,
		IsManager:               user.Hierarchy.IsManager,
		SubordinateCount:        len(user.Hierarchy.Subordinates),
		ManagedTeamIDs:          managedTeams,
		ComputedAt:              time.Now().UTC(),
		TTLSeconds:              FreshnessTTLSeconds,
	}

	_, err = p.collection.UpdateOne(ctx,
		bson.M{"user_id": user.ID},
		bson.M{"$set": matrix},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store access matrix: %w", err)
	}

	p.log.Info().
		Str("email", user.Email).
		Int("opportunities", len(oppIDs)).
		Int("subordinates", len(subordinateIDs)).
		Msg("Access matrix rebuilt")

	return nil
}

// accessibleOpportunities lists the active opportunity source ids the user
// may read, plus the distinct accounts those opportunities reference.
func (p *AccessMatrixProjection) accessibleOpportunities(ctx context.Context, user *UserProfile) ([]int64, []int64, error) {
	filter := bson.M{"is_active": true}
	if !user.IsSuperAdmin {
		// Relies on the opportunity projection's precomputed visibility set.
		filter["visible_to_user_ids"] = user.ID
	}

	cursor, err := p.opportunities.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"source_id": 1, "account.source_id": 1}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query accessible opportunities: %w", err)
	}
	defer cursor.Close(ctx)

	oppIDs := []int64{}
	accountSet := map[int64]bool{}
	for cursor.Next(ctx) {
		var doc struct {
			SourceID int64 `bson:"source_id"`
			Account  *struct {
				SourceID int64 `bson:"source_id"`
			} `bson:"account"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, nil, fmt.Errorf("failed to decode opportunity: %w", err)
		}
		oppIDs = append(oppIDs, doc.SourceID)
		if doc.Account != nil && doc.Account.SourceID != 0 {
			accountSet[doc.Account.SourceID] = true
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, nil, err
	}

	accountIDs := make([]int64, 0, len(accountSet))
	for id := range accountSet {
		accountIDs = append(accountIDs, id)
	}
	return oppIDs, accountIDs, nil
}

// transitiveSubordinates expands the subordinate closure breadth-first with a
// visited guard; the reporting graph is a DAG semantically but the guard
// keeps a corrupt cycle from looping.
func (p *AccessMatrixProjection) transitiveSubordinates(ctx context.Context, user *UserProfile) ([]string, error) {
	visited := map[string]bool{user.ID: true}
	result := []string{}

	queue := make([]IdentityRef, 0, len(user.Hierarchy.Subordinates))
	queue = append(queue, user.Hierarchy.Subordinates...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.UserID == "" || visited[current.UserID] {
			continue
		}
		visited[current.UserID] = true
		result = append(result, current.UserID)

		var sub UserProfile
		err := p.profiles.FindOne(ctx, bson.M{"id": current.UserID},
			options.FindOne().SetProjection(bson.M{"hierarchy.subordinates": 1})).Decode(&sub)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to expand subordinates: %w", err)
		}
		queue = append(queue, sub.Hierarchy.Subordinates...)
	}

	return result, nil
}
