// Package projection contains Mongo-backed integration tests for the view
// projections. They connect to the MongoDB instance named by the
// TEST_MONGODB_* environment variables and are skipped in -short mode.
package projection

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/salescommand/backbone/internal/eventstore"
	syncpkg "github.com/salescommand/backbone/internal/sync"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/testing/containers"
	"github.com/salescommand/backbone/pkg/testing/fixtures"
	"github.com/salescommand/backbone/pkg/testing/helpers"
)

var (
	testMongoDB *containers.MongoDBContainer
	testCtx     context.Context
	testCancel  context.CancelFunc

	events        *eventstore.Store
	rawStore      *syncpkg.RawStore
	userProfiles  *UserProfileProjection
	opportunities *OpportunityProjection
	activities    *ActivityProjection
	accessMatrix  *AccessMatrixProjection
	dashboards    *DashboardMetricsProjection
)

// TestMain sets up and tears down the test database.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	testCtx, testCancel = context.WithTimeout(context.Background(), 5*time.Minute)
	defer testCancel()

	var err error
	testMongoDB, err = containers.NewMongoDBContainer(testCtx, "backbone_projection_test")
	if err != nil {
		// No MongoDB available; integration tests cannot run.
		os.Exit(0)
	}

	log := logger.Global()
	db := testMongoDB.GetDB()

	events = eventstore.NewStore(db, log)
	rawStore = syncpkg.NewRawStore(db, log)
	userProfiles = NewUserProfileProjection(db, log)
	opportunities = NewOpportunityProjection(db, rawStore, log)
	activities = NewActivityProjection(db, log)
	accessMatrix = NewAccessMatrixProjection(db, log)
	dashboards = NewDashboardMetricsProjection(db, log)

	_ = events.EnsureIndexes(testCtx)
	_ = rawStore.EnsureIndexes(testCtx)
	_ = NewIndexManager(db).CreateAllIndexes(testCtx)

	code := m.Run()

	if testMongoDB != nil {
		testMongoDB.Close(context.Background())
	}
	os.Exit(code)
}

func resetState(t *testing.T) {
	t.Helper()
	err := testMongoDB.Reset(testCtx,
		"events", "raw_entities",
		UserProfilesCollection, OpportunityViewCollection, ActivityViewCollection,
		AccessMatrixCollection, DashboardMetricsCollection)
	helpers.AssertNoError(t, err)
}

// applyEvent appends an event and runs it through the projections in a
// deterministic order, mirroring the sync pipeline's dependency ordering.
func applyEvent(t *testing.T, event *eventstore.Event) {
	t.Helper()

	_, err := events.Append(testCtx, event)
	helpers.AssertNoError(t, err)

	for _, p := range []Projection{userProfiles, opportunities, activities, accessMatrix, dashboards} {
		subscribed := false
		for _, et := range p.SubscribesTo() {
			if et == event.Type {
				subscribed = true
				break
			}
		}
		if !subscribed {
			continue
		}
		helpers.AssertNoError(t, p.Handle(testCtx, event), "projection %s", p.Name())
		helpers.AssertNoError(t, events.MarkProcessed(testCtx, event.ID, p.Name()))
	}
}

func syncUser(t *testing.T, employeeID, odooUserID int64, name, email string, managerEmployeeID int64) {
	t.Helper()
	applyEvent(t, eventstore.NewEvent(
		eventstore.EventTypeOdooUserSynced,
		eventstore.AggregateUser,
		"user-"+name,
		fixtures.UserPayload(employeeID, odooUserID, name, email, managerEmployeeID),
	))
}

func syncOpportunity(t *testing.T, sourceID, salespersonID int64, name, stage string, value float64) {
	t.Helper()
	applyEvent(t, eventstore.NewEvent(
		eventstore.EventTypeOdooOpportunitySynced,
		eventstore.AggregateOpportunity,
		"opportunity-"+name,
		fixtures.OpportunityPayload(sourceID, salespersonID, name, stage, value),
	))
}

func grantSuperAdmin(t *testing.T, email string) {
	t.Helper()
	applyEvent(t, eventstore.NewEvent(
		eventstore.EventTypeUserRoleChanged,
		eventstore.AggregateUser,
		"user-"+email,
		map[string]interface{}{"user_email": email, "new_role": "super_admin"},
	))
}

func profileByEmail(t *testing.T, email string) *UserProfile {
	t.Helper()
	var profile UserProfile
	err := testMongoDB.GetDB().Collection(UserProfilesCollection).
		FindOne(testCtx, bson.M{"email": email}).Decode(&profile)
	helpers.AssertNoError(t, err, "profile for %s", email)
	return &profile
}

func matrixFor(t *testing.T, userID string) *AccessMatrix {
	t.Helper()
	var matrix AccessMatrix
	err := testMongoDB.GetDB().Collection(AccessMatrixCollection).
		FindOne(testCtx, bson.M{"user_id": userID}).Decode(&matrix)
	helpers.AssertNoError(t, err, "matrix for %s", userID)
	return &matrix
}

func oppBySource(t *testing.T, sourceID int64) *OpportunityView {
	t.Helper()
	var view OpportunityView
	err := testMongoDB.GetDB().Collection(OpportunityViewCollection).
		FindOne(testCtx, bson.M{"source_id": sourceID}).Decode(&view)
	helpers.AssertNoError(t, err, "opportunity %d", sourceID)
	return &view
}

func containsInt64(haystack []int64, needle int64) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func seedScenarioUsers(t *testing.T) {
	syncUser(t, fixtures.AliceEmployeeID, fixtures.AliceOdooUserID, "Alice", fixtures.AliceEmail, 0)
	syncUser(t, fixtures.BobEmployeeID, fixtures.BobOdooUserID, "Bob", fixtures.BobEmail, fixtures.AliceEmployeeID)
	syncUser(t, fixtures.CarolEmployeeID, fixtures.CarolOdooUserID, "Carol", fixtures.CarolEmail, 0)
	grantSuperAdmin(t, fixtures.CarolEmail)
	syncUser(t, fixtures.DaveEmployeeID, fixtures.DaveOdooUserID, "Dave", fixtures.DaveEmail, 0)
}

func TestManagerVisibility(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)

	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)
	syncOpportunity(t, fixtures.OppBSourceID, fixtures.BobOdooUserID, "OppB", "Proposal", 75000)

	alice := profileByEmail(t, fixtures.AliceEmail)
	bob := profileByEmail(t, fixtures.BobEmail)
	carol := profileByEmail(t, fixtures.CarolEmail)
	dave := profileByEmail(t, fixtures.DaveEmail)

	// Bob's manager snapshot resolves to Alice.
	helpers.AssertNotNil(t, bob.Hierarchy.Manager)
	helpers.AssertEqual(t, alice.ID, bob.Hierarchy.Manager.UserID)

	// Visibility set on the views.
	oppA := oppBySource(t, fixtures.OppASourceID)
	helpers.AssertContains(t, oppA.VisibleToUserIDs, bob.ID)
	helpers.AssertContains(t, oppA.VisibleToUserIDs, alice.ID)
	helpers.AssertContains(t, oppA.VisibleToUserIDs, carol.ID)
	helpers.AssertNotContains(t, oppA.VisibleToUserIDs, dave.ID)

	// Matrices: Bob and Alice see both opportunities, Carol sees everything,
	// Dave sees nothing.
	for _, userID := range []string{bob.ID, alice.ID, carol.ID} {
		helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, userID))
		matrix := matrixFor(t, userID)
		helpers.AssertTrue(t, containsInt64(matrix.AccessibleOpportunities, fixtures.OppASourceID), "user %s sees OppA", userID)
		helpers.AssertTrue(t, containsInt64(matrix.AccessibleOpportunities, fixtures.OppBSourceID), "user %s sees OppB", userID)
	}

	helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, dave.ID))
	helpers.AssertEqual(t, 0, len(matrixFor(t, dave.ID).AccessibleOpportunities))
}

func TestDataIsolation(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)

	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)
	syncOpportunity(t, fixtures.OppBSourceID, fixtures.BobOdooUserID, "OppB", "Proposal", 75000)
	syncOpportunity(t, fixtures.OppCSourceID, fixtures.DaveOdooUserID, "OppC", "Proposal", 20000)

	alice := profileByEmail(t, fixtures.AliceEmail)
	bob := profileByEmail(t, fixtures.BobEmail)
	dave := profileByEmail(t, fixtures.DaveEmail)

	helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, bob.ID))
	helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, alice.ID))
	helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, dave.ID))

	bobMatrix := matrixFor(t, bob.ID)
	helpers.AssertEqual(t, 2, len(bobMatrix.AccessibleOpportunities))
	helpers.AssertTrue(t, !containsInt64(bobMatrix.AccessibleOpportunities, fixtures.OppCSourceID))

	daveMatrix := matrixFor(t, dave.ID)
	helpers.AssertEqual(t, 1, len(daveMatrix.AccessibleOpportunities))
	helpers.AssertTrue(t, containsInt64(daveMatrix.AccessibleOpportunities, fixtures.OppCSourceID))

	// Dave is not Alice's subordinate; OppC stays invisible to her.
	aliceMatrix := matrixFor(t, alice.ID)
	helpers.AssertTrue(t, !containsInt64(aliceMatrix.AccessibleOpportunities, fixtures.OppCSourceID))
}

func TestStageChangeAndReassignment(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)

	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)

	alice := profileByEmail(t, fixtures.AliceEmail)
	bob := profileByEmail(t, fixtures.BobEmail)
	carol := profileByEmail(t, fixtures.CarolEmail)

	// Reassign to Alice and close the deal.
	syncOpportunity(t, fixtures.OppASourceID, fixtures.AliceOdooUserID, "OppA", "Closed Won", 50000)

	oppA := oppBySource(t, fixtures.OppASourceID)
	helpers.AssertEqual(t, "Closed Won", oppA.Stage)
	helpers.AssertContains(t, oppA.VisibleToUserIDs, alice.ID)
	helpers.AssertContains(t, oppA.VisibleToUserIDs, carol.ID)
	helpers.AssertNotContains(t, oppA.VisibleToUserIDs, bob.ID, "Bob does not manage Alice")

	// Metrics: Alice's won revenue includes the deal, Bob's does not.
	helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, alice.ID))
	helpers.AssertNoError(t, accessMatrix.RebuildForUser(testCtx, bob.ID))
	helpers.AssertNoError(t, dashboards.RebuildForUser(testCtx, alice.ID))
	helpers.AssertNoError(t, dashboards.RebuildForUser(testCtx, bob.ID))

	var aliceMetrics DashboardMetrics
	helpers.AssertNoError(t, testMongoDB.GetDB().Collection(DashboardMetricsCollection).
		FindOne(testCtx, bson.M{"user_id": alice.ID}).Decode(&aliceMetrics))
	helpers.AssertEqual(t, 50000.0, aliceMetrics.WonRevenue)

	var bobMetrics DashboardMetrics
	helpers.AssertNoError(t, testMongoDB.GetDB().Collection(DashboardMetricsCollection).
		FindOne(testCtx, bson.M{"user_id": bob.ID}).Decode(&bobMetrics))
	helpers.AssertEqual(t, 0.0, bobMetrics.WonRevenue)
}

func TestSoftDeleteResurrection(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)

	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)

	applyEvent(t, eventstore.NewEvent(
		eventstore.EventTypeOpportunityDeleted,
		eventstore.AggregateOpportunity,
		"opportunity-OppA",
		map[string]interface{}{"id": fixtures.OppASourceID, "reason": "removed_from_source"},
	))

	oppA := oppBySource(t, fixtures.OppASourceID)
	helpers.AssertEqual(t, false, oppA.IsActive)
	helpers.AssertNotNil(t, oppA.DeletedAt)
	helpers.AssertEqual(t, "removed_from_source", oppA.DeleteReason)

	// Re-synced deleted opportunities are resurrected.
	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)

	oppA = oppBySource(t, fixtures.OppASourceID)
	helpers.AssertEqual(t, true, oppA.IsActive)
	helpers.AssertNil(t, oppA.DeletedAt)
}

func TestActivityInheritsVisibility(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)

	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)

	applyEvent(t, eventstore.NewEvent(
		eventstore.EventTypeOdooActivitySynced,
		eventstore.AggregateActivity,
		"activity-9001",
		fixtures.ActivityPayload(9001, fixtures.OppASourceID, fixtures.BobOdooUserID, "Product demo for Acme", "Meeting"),
	))

	oppA := oppBySource(t, fixtures.OppASourceID)

	var activity ActivityView
	helpers.AssertNoError(t, testMongoDB.GetDB().Collection(ActivityViewCollection).
		FindOne(testCtx, bson.M{"source_id": int64(9001)}).Decode(&activity))

	helpers.AssertEqual(t, "Demo", activity.PresalesCategory)
	helpers.AssertEqual(t, oppA.SourceID, activity.Opportunity.SourceID)
	helpers.AssertEqual(t, len(oppA.VisibleToUserIDs), len(activity.VisibleToUserIDs))
	for _, id := range oppA.VisibleToUserIDs {
		helpers.AssertContains(t, activity.VisibleToUserIDs, id)
	}
}

func TestActivityOnUnknownOpportunityIsDropped(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)

	applyEvent(t, eventstore.NewEvent(
		eventstore.EventTypeOdooActivitySynced,
		eventstore.AggregateActivity,
		"activity-9002",
		fixtures.ActivityPayload(9002, 999999, fixtures.BobOdooUserID, "Orphan activity", "Call"),
	))

	count, err := testMongoDB.GetDB().Collection(ActivityViewCollection).
		CountDocuments(testCtx, bson.M{"source_id": int64(9002)})
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, int64(0), count)
}

func TestStableProfileIdentityAcrossResyncs(t *testing.T) {
	resetState(t)

	syncUser(t, fixtures.BobEmployeeID, fixtures.BobOdooUserID, "Bob", fixtures.BobEmail, 0)
	first := profileByEmail(t, fixtures.BobEmail)

	syncUser(t, fixtures.BobEmployeeID, fixtures.BobOdooUserID, "Robert", fixtures.BobEmail, 0)
	second := profileByEmail(t, fixtures.BobEmail)

	helpers.AssertEqual(t, first.ID, second.ID, "UUID is stable across resyncs")
	helpers.AssertEqual(t, "Robert", second.Name)
	helpers.AssertTrue(t, second.Version > first.Version)
}

func TestManagerRenamePropagation(t *testing.T) {
	resetState(t)

	syncUser(t, fixtures.AliceEmployeeID, fixtures.AliceOdooUserID, "Alice", fixtures.AliceEmail, 0)
	syncUser(t, fixtures.BobEmployeeID, fixtures.BobOdooUserID, "Bob", fixtures.BobEmail, fixtures.AliceEmployeeID)

	// Alice is renamed; Bob's manager snapshot must follow.
	syncUser(t, fixtures.AliceEmployeeID, fixtures.AliceOdooUserID, "Alicia", fixtures.AliceEmail, 0)

	bob := profileByEmail(t, fixtures.BobEmail)
	helpers.AssertNotNil(t, bob.Hierarchy.Manager)
	helpers.AssertEqual(t, "Alicia", bob.Hierarchy.Manager.Name)

	// Alice's own profile now lists Bob as subordinate.
	alice := profileByEmail(t, fixtures.AliceEmail)
	helpers.AssertEqual(t, 1, alice.Hierarchy.ReportsCount)
	helpers.AssertEqual(t, true, alice.Hierarchy.IsManager)
}

func TestEventVersionsAreMonotonicPerAggregate(t *testing.T) {
	resetState(t)

	for i := 0; i < 3; i++ {
		event := eventstore.NewEvent(
			eventstore.EventTypeOdooOpportunitySynced,
			eventstore.AggregateOpportunity,
			"opportunity-77",
			map[string]interface{}{"id": int64(77), "revision": i},
		)
		_, err := events.Append(testCtx, event)
		helpers.AssertNoError(t, err)
		helpers.AssertEqual(t, i+1, event.Version)
	}

	log, err := events.GetForAggregate(testCtx, eventstore.AggregateOpportunity, "opportunity-77", 0)
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, 3, len(log))
	for i, e := range log {
		helpers.AssertEqual(t, i+1, e.Version, "gap-free from 1")
	}
}

func TestRawStoreIdempotentResync(t *testing.T) {
	resetState(t)

	payload := fixtures.OpportunityPayload(fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)

	first, err := rawStore.Upsert(testCtx, "opportunity", fixtures.OppASourceID, payload, "job-1")
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, true, first.Changed)

	second, err := rawStore.Upsert(testCtx, "opportunity", fixtures.OppASourceID, payload, "job-2")
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, false, second.Changed, "identical payload is a no-op")
	helpers.AssertEqual(t, first.Record.Checksum, second.Record.Checksum)

	// A drifted payload supersedes but keeps history.
	payload["stage_name"] = "Closed Won"
	third, err := rawStore.Upsert(testCtx, "opportunity", fixtures.OppASourceID, payload, "job-3")
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, true, third.Changed)

	total, err := testMongoDB.GetDB().Collection("raw_entities").
		CountDocuments(testCtx, bson.M{"entity_type": "opportunity", "source_id": fixtures.OppASourceID})
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, int64(2), total, "prior versions are never deleted")

	latest, err := testMongoDB.GetDB().Collection("raw_entities").
		CountDocuments(testCtx, bson.M{"entity_type": "opportunity", "source_id": fixtures.OppASourceID, "is_latest": true})
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, int64(1), latest, "exactly one latest version")
}

func TestRebuildFromLogMatchesIncrementalState(t *testing.T) {
	resetState(t)
	seedScenarioUsers(t)
	syncOpportunity(t, fixtures.OppASourceID, fixtures.BobOdooUserID, "OppA", "Proposal", 50000)
	syncOpportunity(t, fixtures.OppBSourceID, fixtures.BobOdooUserID, "OppB", "Proposal", 75000)

	bob := profileByEmail(t, fixtures.BobEmail)
	incremental := oppBySource(t, fixtures.OppASourceID)

	// Truncate and replay the whole log through the projections.
	runtime := NewRuntime(events, eventstore.NewBus(logger.Global()), logger.Global(),
		userProfiles, opportunities, activities, accessMatrix, dashboards)
	_, err := runtime.RebuildAll(testCtx, nil)
	helpers.AssertNoError(t, err)

	// Profiles keep identity by email; opportunity visibility converges.
	rebuiltBob := profileByEmail(t, fixtures.BobEmail)
	helpers.AssertEqual(t, bob.Email, rebuiltBob.Email)
	helpers.AssertEqual(t, bob.Odoo.EmployeeID, rebuiltBob.Odoo.EmployeeID)

	rebuilt := oppBySource(t, fixtures.OppASourceID)
	helpers.AssertEqual(t, incremental.SourceID, rebuilt.SourceID)
	helpers.AssertEqual(t, incremental.Stage, rebuilt.Stage)
	helpers.AssertEqual(t, incremental.Value, rebuilt.Value)
	helpers.AssertContains(t, rebuilt.VisibleToUserIDs, rebuiltBob.ID)
	if rebuiltBob.Hierarchy.Manager != nil {
		helpers.AssertContains(t, rebuilt.VisibleToUserIDs, rebuiltBob.Hierarchy.Manager.UserID)
	}
}
