// Package fixtures provides stable test data for integration testing.
package fixtures

// Stable source ids used across the test suites. Employee ids follow the
// manager-visibility scenario: Alice manages Bob; Carol is a super admin;
// Dave reports to no one.
const (
	AliceEmployeeID int64 = 10
	BobEmployeeID   int64 = 20
	CarolEmployeeID int64 = 30
	DaveEmployeeID  int64 = 40

	AliceOdooUserID int64 = 110
	BobOdooUserID   int64 = 120
	CarolOdooUserID int64 = 130
	DaveOdooUserID  int64 = 140

	OppASourceID int64 = 1001
	OppBSourceID int64 = 1002
	OppCSourceID int64 = 1003

	AccountAcmeID int64 = 501
)

// Emails of the scenario users.
const (
	AliceEmail = "alice@example.com"
	BobEmail   = "bob@example.com"
	CarolEmail = "carol@example.com"
	DaveEmail  = "dave@example.com"
)

// UserPayload builds a canonical user event payload.
func UserPayload(employeeID, odooUserID int64, name, email string, managerEmployeeID int64) map[string]interface{} {
	return map[string]interface{}{
		"odoo_employee_id": employeeID,
		"odoo_user_id":     odooUserID,
		"email":            email,
		"name":             name,
		"job_title":        "Sales",
		"manager_odoo_id":  managerEmployeeID,
		"team_id":          int64(7),
		"team_name":        "Direct Sales",
		"department_id":    int64(7),
		"department_name":  "Direct Sales",
	}
}

// OpportunityPayload builds a canonical opportunity event payload.
func OpportunityPayload(sourceID, salespersonID int64, name, stage string, value float64) map[string]interface{} {
	return map[string]interface{}{
		"id":               sourceID,
		"name":             name,
		"partner_id":       AccountAcmeID,
		"partner_name":     "Acme Corp",
		"salesperson_id":   salespersonID,
		"salesperson_name": "",
		"stage_id":         int64(3),
		"stage_name":       stage,
		"team_id":          int64(7),
		"team_name":        "Direct Sales",
		"expected_revenue": value,
		"probability":      50.0,
		"date_deadline":    "2026-12-31",
		"description":      "",
	}
}

// ActivityPayload builds a canonical activity event payload linked to an
// opportunity.
func ActivityPayload(sourceID, oppSourceID, odooUserID int64, summary, activityType string) map[string]interface{} {
	return map[string]interface{}{
		"id":            sourceID,
		"summary":       summary,
		"note":          "",
		"activity_type": activityType,
		"state":         "planned",
		"date_deadline": "2026-09-15",
		"res_model":     "crm.lead",
		"res_id":        oppSourceID,
		"user_id":       odooUserID,
		"user_name":     "",
	}
}
