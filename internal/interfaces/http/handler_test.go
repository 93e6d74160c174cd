package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/salescommand/backbone/internal/projection"
	"github.com/salescommand/backbone/internal/query"
	syncpkg "github.com/salescommand/backbone/internal/sync"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/testing/helpers"
)

// ============================================================================
// Mock Implementations
// ============================================================================

type MockSyncService struct {
	job        *syncpkg.Job
	triggerErr error
	lastBy     string
	lastSource syncpkg.TriggerSource
}

func (m *MockSyncService) Trigger(ctx context.Context, triggeredBy string, source syncpkg.TriggerSource) (*syncpkg.Job, error) {
	if m.triggerErr != nil {
		return nil, m.triggerErr
	}
	m.lastBy = triggeredBy
	m.lastSource = source
	return m.job, nil
}

func (m *MockSyncService) Status(ctx context.Context, jobID string) (*syncpkg.Job, error) {
	if m.job == nil || m.job.ID != jobID {
		return nil, errors.New(errors.ErrCodeJobNotFound, "sync job not found")
	}
	return m.job, nil
}

func (m *MockSyncService) LatestStatus(ctx context.Context) (*syncpkg.Job, error) {
	if m.job == nil {
		return nil, errors.New(errors.ErrCodeJobNotFound, "no sync jobs yet")
	}
	return m.job, nil
}

type MockQueryService struct {
	matrix  *projection.AccessMatrix
	metrics *projection.DashboardMetrics
	profile *projection.UserProfile
	opps    []projection.OpportunityView
	acts    []projection.ActivityView
	err     error
}

func (m *MockQueryService) GetAccessMatrix(ctx context.Context, userID string) (*projection.AccessMatrix, error) {
	return m.matrix, m.err
}

func (m *MockQueryService) GetDashboardMetrics(ctx context.Context, userID string) (*projection.DashboardMetrics, error) {
	return m.metrics, m.err
}

func (m *MockQueryService) QueryOpportunitiesVisibleTo(ctx context.Context, userID string) ([]projection.OpportunityView, error) {
	return m.opps, m.err
}

func (m *MockQueryService) QueryActivitiesVisibleTo(ctx context.Context, userID string, filter query.ActivityFilter) ([]projection.ActivityView, error) {
	return m.acts, m.err
}

func (m *MockQueryService) GetUserProfile(ctx context.Context, userID string) (*projection.UserProfile, error) {
	return m.profile, m.err
}

type MockAdmin struct {
	projection projection.Projection
	result     *projection.RebuildResult
	status     *projection.RebuildStatus
}

func (m *MockAdmin) Projection(name string) (projection.Projection, error) {
	if m.projection == nil || m.projection.Name() != name {
		return nil, errors.Newf(errors.ErrCodeNotFound, "projection %q not found", name)
	}
	return m.projection, nil
}

func (m *MockAdmin) Rebuild(ctx context.Context, p projection.Projection, since *time.Time) (*projection.RebuildResult, error) {
	return m.result, nil
}

func (m *MockAdmin) Status(ctx context.Context, p projection.Projection) (*projection.RebuildStatus, error) {
	return m.status, nil
}

// ============================================================================
// Tests
// ============================================================================

func newTestServer(sync *MockSyncService, queries *MockQueryService, admin *MockAdmin) *httptest.Server {
	h := NewHandler(sync, queries, admin, logger.Global())
	router := NewRouter(h, "test", map[string]HealthChecker{
		"mongodb": func(r *http.Request) error { return nil },
	})
	return httptest.NewServer(router)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestTriggerSync(t *testing.T) {
	syncSvc := &MockSyncService{job: &syncpkg.Job{ID: "job-1", Status: syncpkg.JobStatusRunning}}
	server := newTestServer(syncSvc, &MockQueryService{}, &MockAdmin{})
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/sync", nil)
	req.Header.Set("X-User-Email", "carol@example.com")

	resp, err := http.DefaultClient.Do(req)
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()

	helpers.AssertEqual(t, http.StatusAccepted, resp.StatusCode)
	helpers.AssertEqual(t, "carol@example.com", syncSvc.lastBy)
	helpers.AssertEqual(t, syncpkg.TriggerManual, syncSvc.lastSource)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	helpers.AssertEqual(t, "job-1", data["id"])
}

func TestTriggerSyncConflict(t *testing.T) {
	syncSvc := &MockSyncService{triggerErr: errors.New(errors.ErrCodeSyncRunning, "a sync job is already running")}
	server := newTestServer(syncSvc, &MockQueryService{}, &MockAdmin{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/sync", "application/json", nil)
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()

	helpers.AssertEqual(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	errBody := body["error"].(map[string]interface{})
	helpers.AssertEqual(t, string(errors.ErrCodeSyncRunning), errBody["code"])
}

func TestGetSyncStatus(t *testing.T) {
	syncSvc := &MockSyncService{job: &syncpkg.Job{ID: "job-1", Status: syncpkg.JobStatusCompleted}}
	server := newTestServer(syncSvc, &MockQueryService{}, &MockAdmin{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/sync/job-1")
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()
	helpers.AssertEqual(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(server.URL + "/api/v1/sync/unknown")
	helpers.AssertNoError(t, err)
	defer resp2.Body.Close()
	helpers.AssertEqual(t, http.StatusNotFound, resp2.StatusCode)
}

func TestGetAccessMatrix(t *testing.T) {
	queries := &MockQueryService{matrix: &projection.AccessMatrix{
		UserID:                  "user-1",
		AccessibleOpportunities: []int64{1001, 1002},
	}}
	server := newTestServer(&MockSyncService{}, queries, &MockAdmin{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/users/user-1/access-matrix")
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()

	helpers.AssertEqual(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	helpers.AssertEqual(t, "user-1", data["user_id"])
	helpers.AssertEqual(t, 2, len(data["accessible_opportunities"].([]interface{})))
}

func TestGetAccessMatrixNotInSystem(t *testing.T) {
	queries := &MockQueryService{err: errors.New(errors.ErrCodeNotInSystem, "user is not in the system; trigger a resync")}
	server := newTestServer(&MockSyncService{}, queries, &MockAdmin{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/users/ghost/access-matrix")
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()

	helpers.AssertEqual(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	errBody := body["error"].(map[string]interface{})
	helpers.AssertEqual(t, string(errors.ErrCodeNotInSystem), errBody["code"])
}

func TestListActivitiesPassesFilter(t *testing.T) {
	queries := &MockQueryService{acts: []projection.ActivityView{{SourceID: 9001, PresalesCategory: "Demo"}}}
	server := newTestServer(&MockSyncService{}, queries, &MockAdmin{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/users/user-1/activities?category=Demo&state=planned")
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()

	helpers.AssertEqual(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&MockSyncService{}, &MockQueryService{}, &MockAdmin{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	helpers.AssertNoError(t, err)
	defer resp.Body.Close()

	helpers.AssertEqual(t, http.StatusOK, resp.StatusCode)
}
