package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/salescommand/backbone/pkg/response"
)

// HealthChecker reports the health of one dependency.
type HealthChecker func(r *http.Request) error

// NewRouter builds the API router.
func NewRouter(h *Handler, version string, checks map[string]HealthChecker) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	startTime := time.Now()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		results := make(map[string]response.HealthCheck, len(checks))
		status := "healthy"
		for name, check := range checks {
			if err := check(req); err != nil {
				results[name] = response.HealthCheck{Status: "unhealthy", Message: err.Error()}
				status = "unhealthy"
			} else {
				results[name] = response.HealthCheck{Status: "healthy"}
			}
		}
		response.Health(w, status, version, time.Since(startTime), results)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Sync command side
		r.Route("/sync", func(r chi.Router) {
			r.Post("/", h.TriggerSync)
			r.Get("/latest", h.GetLatestSyncStatus)
			r.Get("/{jobID}", h.GetSyncStatus)
		})

		// Read side
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", h.GetUserProfile)
			r.Get("/access-matrix", h.GetAccessMatrix)
			r.Get("/dashboard-metrics", h.GetDashboardMetrics)
			r.Get("/opportunities", h.ListOpportunities)
			r.Get("/activities", h.ListActivities)
		})

		// Projection administration
		r.Route("/projections/{name}", func(r chi.Router) {
			r.Post("/rebuild", h.RebuildProjection)
			r.Get("/status", h.GetProjectionStatus)
		})
	})

	return r
}
