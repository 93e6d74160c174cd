// Package http exposes the backbone's operations to external collaborators:
// sync triggering, job status, access-control and dashboard queries, and
// projection administration. Authentication is handled upstream; the auth
// layer forwards the caller identity in headers.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/salescommand/backbone/internal/projection"
	"github.com/salescommand/backbone/internal/query"
	syncpkg "github.com/salescommand/backbone/internal/sync"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/response"
	"github.com/salescommand/backbone/pkg/validator"
)

// Caller identity headers populated by the upstream auth layer.
const (
	headerUserID    = "X-User-Id"
	headerUserEmail = "X-User-Email"
)

// syncService is the sync surface the handlers need.
type syncService interface {
	Trigger(ctx context.Context, triggeredBy string, source syncpkg.TriggerSource) (*syncpkg.Job, error)
	Status(ctx context.Context, jobID string) (*syncpkg.Job, error)
	LatestStatus(ctx context.Context) (*syncpkg.Job, error)
}

// queryService is the read-side surface the handlers need.
type queryService interface {
	GetAccessMatrix(ctx context.Context, userID string) (*projection.AccessMatrix, error)
	GetDashboardMetrics(ctx context.Context, userID string) (*projection.DashboardMetrics, error)
	QueryOpportunitiesVisibleTo(ctx context.Context, userID string) ([]projection.OpportunityView, error)
	QueryActivitiesVisibleTo(ctx context.Context, userID string, filter query.ActivityFilter) ([]projection.ActivityView, error)
	GetUserProfile(ctx context.Context, userID string) (*projection.UserProfile, error)
}

// projectionAdmin is the rebuild surface the admin handlers need.
type projectionAdmin interface {
	Projection(name string) (projection.Projection, error)
	Rebuild(ctx context.Context, p projection.Projection, since *time.Time) (*projection.RebuildResult, error)
	Status(ctx context.Context, p projection.Projection) (*projection.RebuildStatus, error)
}

// Handler serves the backbone HTTP API.
type Handler struct {
	sync     syncService
	queries  queryService
	admin    projectionAdmin
	validate *validator.Validator
	log      *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(sync syncService, queries queryService, admin projectionAdmin, log *logger.Logger) *Handler {
	return &Handler{
		sync:     sync,
		queries:  queries,
		admin:    admin,
		validate: validator.New(),
		log:      log,
	}
}

// TriggerSync starts a manual sync job.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	triggeredBy := r.Header.Get(headerUserEmail)
	if triggeredBy == "" {
		triggeredBy = r.Header.Get(headerUserID)
	}
	if triggeredBy == "" {
		triggeredBy = "anonymous"
	}

	job, err := h.sync.Trigger(r.Context(), triggeredBy, syncpkg.TriggerManual)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Accepted(w, job)
}

// GetSyncStatus returns one sync job document.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.sync.Status(r.Context(), jobID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// GetLatestSyncStatus returns the most recent sync job.
func (h *Handler) GetLatestSyncStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.sync.LatestStatus(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// GetAccessMatrix returns the precomputed access matrix for a user.
func (h *Handler) GetAccessMatrix(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	matrix, err := h.queries.GetAccessMatrix(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, matrix)
}

// GetDashboardMetrics returns the precomputed dashboard metrics for a user.
func (h *Handler) GetDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	metrics, err := h.queries.GetDashboardMetrics(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, metrics)
}

// ListOpportunities returns the opportunities visible to a user.
func (h *Handler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	views, err := h.queries.QueryOpportunitiesVisibleTo(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, views)
}

// ListActivities returns the activities visible to a user, optionally
// filtered by presales category and state.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	filter := query.ActivityFilter{
		Category: r.URL.Query().Get("category"),
		State:    r.URL.Query().Get("state"),
	}

	views, err := h.queries.QueryActivitiesVisibleTo(r.Context(), userID, filter)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, views)
}

// GetUserProfile returns one user profile view.
func (h *Handler) GetUserProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	profile, err := h.queries.GetUserProfile(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, profile)
}

// RebuildProjection replays the event log through one projection.
func (h *Handler) RebuildProjection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := h.admin.Projection(name)
	if err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.admin.Rebuild(r.Context(), p, nil)
	if err != nil {
		response.Error(w, errors.Wrapf(err, errors.ErrCodeProjection, "rebuild of %s failed", name))
		return
	}
	response.OK(w, result)
}

// GetProjectionStatus reports how far behind the event log a projection is.
func (h *Handler) GetProjectionStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := h.admin.Projection(name)
	if err != nil {
		response.Error(w, err)
		return
	}

	status, err := h.admin.Status(r.Context(), p)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, status)
}
