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

// UserProfileProjection builds the user_profiles view: denormalized users
// with a precomputed reporting hierarchy (manager snapshot + subordinate
// list).
type UserProfileProjection struct {
	db         *mongo.Database
	collection *mongo.Collection
	log        *logger.Logger
}

// NewUserProfileProjection creates the user profile projection.
func NewUserProfileProjection(db *mongo.Database, log *logger.Logger) *UserProfileProjection {
	return &UserProfileProjection{
		db:         db,
		collection: db.Collection(UserProfilesCollection),
		log:        log,
	}
}

// Name implements Projection.
func (p *UserProfileProjection) Name() string {
	return "UserProfileProjection"
}

// SubscribesTo implements Projection.
func (p *UserProfileProjection) SubscribesTo() []eventstore.EventType {
	return []eventstore.EventType{
		eventstore.EventTypeOdooUserSynced,
		eventstore.EventTypeUserLoggedIn,
		eventstore.EventTypeManagerAssigned,
		eventstore.EventTypeUserRoleChanged,
	}
}

// Handle implements Projection.
func (p *UserProfileProjection) Handle(ctx context.Context, event *eventstore.Event) error {
	switch event.Type {
	case eventstore.EventTypeOdooUserSynced:
		return p.handleUserSynced(ctx, event)
	case eventstore.EventTypeUserLoggedIn:
		return p.handleLoggedIn(ctx, event)
	case eventstore.EventTypeManagerAssigned:
		return p.handleManagerAssigned(ctx, event)
	case eventstore.EventTypeUserRoleChanged:
		return p.handleRoleChanged(ctx, event)
	}
	return nil
}

// Truncate implements Truncator.
func (p *UserProfileProjection) Truncate(ctx context.Context) error {
	_, err := p.collection.DeleteMany(ctx, bson.M{})
	return err
}

// handleUserSynced upserts the profile by lower-cased email, rebuilds the
// hierarchy snapshots, and propagates this user's identity into the
// hierarchy.manager slot of every profile that reports to them.
func (p *UserProfileProjection) handleUserSynced(ctx context.Context, event *eventstore.Event) error {
	email := strings.ToLower(event.PayloadString("email"))
	if email == "" {
		p.log.Warn().EventID(event.ID).Msg("User sync event has no email, skipped")
		return nil
	}

	employeeID := event.PayloadInt64("odoo_employee_id")
	odooUserID := event.PayloadInt64("odoo_user_id")
	managerEmployeeID := event.PayloadInt64("manager_odoo_id")
	name := event.PayloadString("name")

	subordinates, err := p.findSubordinates(ctx, employeeID)
	if err != nil {
		return err
	}

	manager, err := p.findManager(ctx, managerEmployeeID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	update := bson.M{
		"email":     email,
		"name":      name,
		"job_title": event.PayloadString("job_title"),
		"odoo": OdooLink{
			UserID:            odooUserID,
			EmployeeID:        employeeID,
			TeamID:            event.PayloadInt64("team_id"),
			TeamName:          event.PayloadString("team_name"),
			DepartmentID:      event.PayloadInt64("department_id"),
			DepartmentName:    event.PayloadString("department_name"),
			ManagerEmployeeID: managerEmployeeID,
		},
		"hierarchy": Hierarchy{
			Manager:      manager,
			Subordinates: subordinates,
			ReportsCount: len(subordinates),
			IsManager:    len(subordinates) > 0,
		},
		"last_sync":     now,
		"event_version": event.Version,
	}

	result, err := p.collection.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{
			"$set": update,
			"$inc": bson.M{"version": 1},
			"$setOnInsert": bson.M{
				"id":             uuid.New().String(),
				"created_at":     now,
				"is_super_admin": false,
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}

	action := "updated"
	if result.UpsertedCount > 0 {
		action = "created"
	}
	p.log.Info().
		Str("email", email).
		Int64("employee_id", employeeID).
		Int("subordinates", len(subordinates)).
		Msgf("User profile %s", action)

	// Denormalization refresh: anyone reporting to this user carries a stale
	// manager snapshot until it is rewritten here.
	if employeeID != 0 {
		if err := p.refreshManagerSnapshots(ctx, employeeID, name, email); err != nil {
			return err
		}
	}

	return nil
}

// findSubordinates snapshots every profile whose manager_employee_id points
// at this user.
func (p *UserProfileProjection) findSubordinates(ctx context.Context, employeeID int64) ([]IdentityRef, error) {
	subordinates := []IdentityRef{}
	if employeeID == 0 {
		return subordinates, nil
	}

	cursor, err := p.collection.Find(ctx,
		bson.M{"odoo.manager_employee_id": employeeID},
		options.Find().SetProjection(bson.M{"id": 1, "email": 1, "name": 1, "odoo.employee_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to find subordinates: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []UserProfile
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode subordinates: %w", err)
	}

	for _, doc := range docs {
		subordinates = append(subordinates, IdentityRef{
			UserID:     doc.ID,
			EmployeeID: doc.Odoo.EmployeeID,
			Name:       doc.Name,
			Email:      doc.Email,
		})
	}
	return subordinates, nil
}

// findManager snapshots the profile with the given employee id, if any.
func (p *UserProfileProjection) findManager(ctx context.Context, managerEmployeeID int64) (*IdentityRef, error) {
	if managerEmployeeID == 0 {
		return nil, nil
	}

	var doc UserProfile
	err := p.collection.FindOne(ctx, bson.M{"odoo.employee_id": managerEmployeeID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find manager: %w", err)
	}

	return &IdentityRef{
		UserID:     doc.ID,
		EmployeeID: doc.Odoo.EmployeeID,
		Name:       doc.Name,
		Email:      doc.Email,
	}, nil
}

// refreshManagerSnapshots rewrites the manager snapshot in every subordinate
// profile after the manager's identity changed.
func (p *UserProfileProjection) refreshManagerSnapshots(ctx context.Context, managerEmployeeID int64, managerName, managerEmail string) error {
	var managerDoc UserProfile
	err := p.collection.FindOne(ctx,
		bson.M{"odoo.employee_id": managerEmployeeID},
		options.FindOne().SetProjection(bson.M{"id": 1})).Decode(&managerDoc)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve manager id: %w", err)
	}

	result, err := p.collection.UpdateMany(ctx,
		bson.M{"odoo.manager_employee_id": managerEmployeeID},
		bson.M{"$set": bson.M{
			"hierarchy.manager": IdentityRef{
				UserID:     managerDoc.ID,
				EmployeeID: managerEmployeeID,
				Name:       managerName,
				Email:      managerEmail,
			},
		}})
	if err != nil {
		return fmt.Errorf("failed to refresh manager snapshots: %w", err)
	}

	if result.ModifiedCount > 0 {
		p.log.Info().
			Int64("modified", result.ModifiedCount).
			Int64("manager_employee_id", managerEmployeeID).
			Msg("Refreshed manager snapshots in subordinate profiles")
	}
	return nil
}

// handleLoggedIn records the login time; no hierarchy work.
func (p *UserProfileProjection) handleLoggedIn(ctx context.Context, event *eventstore.Event) error {
	email := strings.ToLower(event.PayloadString("email"))
	if email == "" {
		return nil
	}

	_, err := p.collection.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{"$set": bson.M{"last_login": event.Timestamp}})
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// handleManagerAssigned is a partial update on one profile. The manager
// snapshot is repopulated by the next sync of either side.
func (p *UserProfileProjection) handleManagerAssigned(ctx context.Context, event *eventstore.Event) error {
	email := strings.ToLower(event.PayloadString("user_email"))
	if email == "" {
		return nil
	}

	_, err := p.collection.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{
			"$set": bson.M{
				"odoo.manager_employee_id": event.PayloadInt64("new_manager_employee_id"),
				"hierarchy.manager":        nil,
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("failed to reassign manager: %w", err)
	}
	return nil
}

// handleRoleChanged is a partial update on one profile.
func (p *UserProfileProjection) handleRoleChanged(ctx context.Context, event *eventstore.Event) error {
	email := strings.ToLower(event.PayloadString("user_email"))
	if email == "" {
		return nil
	}

	newRole := event.PayloadString("new_role")
	_, err := p.collection.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{
			"$set": bson.M{
				"role":            newRole,
				"is_super_admin":  newRole == "super_admin",
				"role_updated_at": time.Now().UTC(),
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("failed to change role: %w", err)
	}
	return nil
}
