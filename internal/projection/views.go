// Package projection implements the materialized read views derived from the
// event log: user profiles, opportunity and activity views, the per-user
// access matrix, and dashboard metrics.
package projection

import "time"

// Collection names for the projection views.
const (
	UserProfilesCollection     = "user_profiles"
	OpportunityViewCollection  = "opportunity_view"
	ActivityViewCollection     = "activity_view"
	AccessMatrixCollection     = "user_access_matrix"
	DashboardMetricsCollection = "dashboard_metrics"
)

// FreshnessTTLSeconds is how long access matrices and dashboard metrics are
// considered fresh. The store-level TTL index removes entries at twice this
// age; readers rebuild once an entry crosses the freshness threshold.
const FreshnessTTLSeconds = 300

// StoreExpirySeconds is the TTL-index expiry on cached view collections.
const StoreExpirySeconds = 600

// IdentityRef is the minimal identity snapshot embedded in hierarchy slots.
type IdentityRef struct {
	UserID     string `bson:"user_id" json:"user_id"`
	EmployeeID int64  `bson:"employee_id,omitempty" json:"employee_id,omitempty"`
	Name       string `bson:"name" json:"name"`
	Email      string `bson:"email" json:"email"`
}

// OdooLink holds the source-system linkage of a user profile.
type OdooLink struct {
	UserID            int64  `bson:"user_id" json:"user_id"`
	EmployeeID        int64  `bson:"employee_id" json:"employee_id"`
	TeamID            int64  `bson:"team_id,omitempty" json:"team_id,omitempty"`
	TeamName          string `bson:"team_name,omitempty" json:"team_name,omitempty"`
	DepartmentID      int64  `bson:"department_id,omitempty" json:"department_id,omitempty"`
	DepartmentName    string `bson:"department_name,omitempty" json:"department_name,omitempty"`
	ManagerEmployeeID int64  `bson:"manager_employee_id,omitempty" json:"manager_employee_id,omitempty"`
}

// Hierarchy is the precomputed reporting structure of a user.
type Hierarchy struct {
	Manager      *IdentityRef  `bson:"manager,omitempty" json:"manager,omitempty"`
	Subordinates []IdentityRef `bson:"subordinates" json:"subordinates"`
	ReportsCount int           `bson:"reports_count" json:"reports_count"`
	IsManager    bool          `bson:"is_manager" json:"is_manager"`
}

// UserProfile is the denormalized user view. The stable ID is generated on
// first insert, keyed by lower-cased email, and preserved across all
// subsequent mutations; it is the canonical identity that opportunities and
// access matrices reference.
type UserProfile struct {
	ID           string     `bson:"id" json:"id"`
	Email        string     `bson:"email" json:"email"`
	Name         string     `bson:"name" json:"name"`
	JobTitle     string     `bson:"job_title,omitempty" json:"job_title,omitempty"`
	Odoo         OdooLink   `bson:"odoo" json:"odoo"`
	Hierarchy    Hierarchy  `bson:"hierarchy" json:"hierarchy"`
	IsSuperAdmin bool       `bson:"is_super_admin" json:"is_super_admin"`
	Role         string     `bson:"role,omitempty" json:"role,omitempty"`
	LastLogin    *time.Time `bson:"last_login,omitempty" json:"last_login,omitempty"`
	LastSync     time.Time  `bson:"last_sync" json:"last_sync"`
	EventVersion int        `bson:"event_version" json:"event_version"`
	Version      int        `bson:"version" json:"version"`
	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
}

// SalespersonRef is the salesperson snapshot embedded in opportunity views.
// OdooUserID is always recorded; UserID stays empty when the salesperson has
// no profile yet.
type SalespersonRef struct {
	UserID     string       `bson:"user_id,omitempty" json:"user_id,omitempty"`
	OdooUserID int64        `bson:"odoo_user_id" json:"odoo_user_id"`
	EmployeeID int64        `bson:"employee_id,omitempty" json:"employee_id,omitempty"`
	Name       string       `bson:"name" json:"name"`
	Email      string       `bson:"email,omitempty" json:"email,omitempty"`
	TeamID     int64        `bson:"team_id,omitempty" json:"team_id,omitempty"`
	TeamName   string       `bson:"team_name,omitempty" json:"team_name,omitempty"`
	Manager    *IdentityRef `bson:"manager,omitempty" json:"manager,omitempty"`
}

// AccountRef is the account snapshot embedded in opportunity views.
type AccountRef struct {
	SourceID int64  `bson:"source_id" json:"source_id"`
	Name     string `bson:"name" json:"name"`
	City     string `bson:"city,omitempty" json:"city,omitempty"`
	Country  string `bson:"country,omitempty" json:"country,omitempty"`
}

// OpportunityView is the denormalized opportunity with pre-joined
// relationships and precomputed visibility.
type OpportunityView struct {
	ID                string          `bson:"id" json:"id"`
	SourceID          int64           `bson:"source_id" json:"source_id"`
	Name              string          `bson:"name" json:"name"`
	Stage             string          `bson:"stage" json:"stage"`
	Value             float64         `bson:"value" json:"value"`
	Probability       float64         `bson:"probability" json:"probability"`
	ExpectedCloseDate string          `bson:"expected_close_date,omitempty" json:"expected_close_date,omitempty"`
	Description       string          `bson:"description,omitempty" json:"description,omitempty"`
	Salesperson       *SalespersonRef `bson:"salesperson,omitempty" json:"salesperson,omitempty"`
	Account           *AccountRef     `bson:"account,omitempty" json:"account,omitempty"`
	VisibleToUserIDs  []string        `bson:"visible_to_user_ids" json:"visible_to_user_ids"`
	IsActive          bool            `bson:"is_active" json:"is_active"`
	DeletedAt         *time.Time      `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	DeleteReason      string          `bson:"delete_reason,omitempty" json:"delete_reason,omitempty"`
	LastSynced        time.Time       `bson:"last_synced" json:"last_synced"`
	EventVersion      int             `bson:"event_version" json:"event_version"`
	CreatedAt         time.Time       `bson:"created_at" json:"created_at"`
}

// OpportunitySnapshot is the opportunity summary embedded in activity views.
type OpportunitySnapshot struct {
	ID          string          `bson:"id" json:"id"`
	SourceID    int64           `bson:"source_id" json:"source_id"`
	Name        string          `bson:"name" json:"name"`
	Salesperson *SalespersonRef `bson:"salesperson,omitempty" json:"salesperson,omitempty"`
}

// AssignedRef is the assignee snapshot on an activity view. UserID is empty
// when the assignee has no profile.
type AssignedRef struct {
	UserID     string `bson:"user_id,omitempty" json:"user_id,omitempty"`
	OdooUserID int64  `bson:"odoo_user_id" json:"odoo_user_id"`
	Name       string `bson:"name" json:"name"`
	Email      string `bson:"email,omitempty" json:"email,omitempty"`
}

// ActivityView is the denormalized activity with visibility inherited from
// the linked opportunity at event time.
type ActivityView struct {
	ID               string               `bson:"id" json:"id"`
	SourceID         int64                `bson:"source_id" json:"source_id"`
	ActivityType     string               `bson:"activity_type" json:"activity_type"`
	Summary          string               `bson:"summary" json:"summary"`
	Note             string               `bson:"note,omitempty" json:"note,omitempty"`
	DueDate          string               `bson:"due_date,omitempty" json:"due_date,omitempty"`
	State            string               `bson:"state" json:"state"`
	PresalesCategory string               `bson:"presales_category" json:"presales_category"`
	Opportunity      *OpportunitySnapshot `bson:"opportunity,omitempty" json:"opportunity,omitempty"`
	AssignedTo       *AssignedRef         `bson:"assigned_to,omitempty" json:"assigned_to,omitempty"`
	VisibleToUserIDs []string             `bson:"visible_to_user_ids" json:"visible_to_user_ids"`
	IsActive         bool                 `bson:"is_active" json:"is_active"`
	LastSynced       time.Time            `bson:"last_synced" json:"last_synced"`
	EventVersion     int                  `bson:"event_version" json:"event_version"`
	CreatedAt        time.Time            `bson:"created_at" json:"created_at"`
}

// AccessMatrix is the precomputed per-user authorization view.
type AccessMatrix struct {
	UserID                  string    `bson:"user_id" json:"user_id"`
	Email                   string    `bson:"email" json:"email"`
	AccessibleOpportunities []int64   `bson:"accessible_opportunities" json:"accessible_opportunities"`
	AccessibleAccounts      []int64   `bson:"accessible_accounts" json:"accessible_accounts"`
	AccessibleUserIDs       []string  `bson:"accessible_user_ids" json:"accessible_user_ids"`
	IsSuperAdmin            bool      `bson:"is_super_admin" json:"is_super_admin"`
	IsManager               bool      `bson:"is_manager" json:"is_manager"`
	SubordinateCount        int       `bson:"subordinate_count" json:"subordinate_count"`
	ManagedTeamIDs          []int64   `bson:"managed_team_ids" json:"managed_team_ids"`
	ComputedAt              time.Time `bson:"computed_at" json:"computed_at"`
	TTLSeconds              int       `bson:"ttl_seconds" json:"ttl_seconds"`
}

// IsFresh reports whether the matrix is within its freshness window at the
// given instant.
func (m *AccessMatrix) IsFresh(now time.Time) bool {
	return now.Sub(m.ComputedAt) < time.Duration(m.TTLSeconds)*time.Second
}

// StageMetric is the per-stage rollup inside dashboard metrics.
type StageMetric struct {
	Count int     `bson:"count" json:"count"`
	Value float64 `bson:"value" json:"value"`
}

// TeamMetrics is the manager rollup inside dashboard metrics.
type TeamMetrics struct {
	TeamSize     int     `bson:"team_size" json:"team_size"`
	TeamPipeline float64 `bson:"team_pipeline" json:"team_pipeline"`
	TeamWon      float64 `bson:"team_won" json:"team_won"`
}

// DashboardMetrics is the precomputed per-user KPI view.
type DashboardMetrics struct {
	UserID              string                 `bson:"user_id" json:"user_id"`
	PipelineValue       float64                `bson:"pipeline_value" json:"pipeline_value"`
	WonRevenue          float64                `bson:"won_revenue" json:"won_revenue"`
	ActiveOpportunities int                    `bson:"active_opportunities" json:"active_opportunities"`
	TotalOpportunities  int                    `bson:"total_opportunities" json:"total_opportunities"`
	WonCount            int                    `bson:"won_count" json:"won_count"`
	ByStage             map[string]StageMetric `bson:"by_stage" json:"by_stage"`
	TeamMetrics         *TeamMetrics           `bson:"team_metrics,omitempty" json:"team_metrics,omitempty"`
	DataPoints          int                    `bson:"data_points" json:"data_points"`
	ComputedAt          time.Time              `bson:"computed_at" json:"computed_at"`
	TTLSeconds          int                    `bson:"ttl_seconds" json:"ttl_seconds"`
}

// IsFresh reports whether the metrics are within their freshness window.
func (m *DashboardMetrics) IsFresh(now time.Time) bool {
	return now.Sub(m.ComputedAt) < time.Duration(m.TTLSeconds)*time.Second
}
