package sync

import (
	"github.com/salescommand/backbone/pkg/errors"
)

// Entity types handled by the pipeline, in sync dependency order.
const (
	EntityUser        = "user"
	EntityOpportunity = "opportunity"
	EntityAccount     = "account"
	EntityActivity    = "activity"
	EntityInvoice     = "invoice"
)

// EntityOrder is the processing order for a sync job: users must project
// before opportunities reference them, and activities need their parent
// opportunities in place.
var EntityOrder = []string{EntityUser, EntityOpportunity, EntityAccount, EntityActivity, EntityInvoice}

// Relation is the canonical form of a source relation field.
type Relation struct {
	ID   int64
	Name string
}

// Mapper normalizes vendor-specific field shapes into canonical records.
// It is a pure transformation: it never consults any store.
type Mapper struct{}

// NewMapper creates a field mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// RelationID extracts the id from a relation field. The source emits three
// wire forms: [id, "display name"], {"id": ..., "name": ...}, or a bare
// scalar. Unset relations arrive as `false`.
func (m *Mapper) RelationID(v interface{}) int64 {
	switch val := v.(type) {
	case []interface{}:
		if len(val) >= 1 {
			return coerceID(val[0])
		}
	case map[string]interface{}:
		return coerceID(val["id"])
	case float64, int, int64, int32:
		return coerceID(val)
	case string:
		return coerceID(val)
	}
	return 0
}

// RelationName extracts the display name from a relation field.
func (m *Mapper) RelationName(v interface{}) string {
	switch val := v.(type) {
	case []interface{}:
		if len(val) >= 2 {
			if s, ok := val[1].(string); ok {
				return s
			}
		}
	case map[string]interface{}:
		if s, ok := val["name"].(string); ok {
			return s
		}
		if s, ok := val["display_name"].(string); ok {
			return s
		}
	}
	return ""
}

// Relation extracts both id and name from a relation field.
func (m *Mapper) Relation(v interface{}) Relation {
	return Relation{ID: m.RelationID(v), Name: m.RelationName(v)}
}

// CleanString coerces the source's empty-as-false convention to "".
func (m *Mapper) CleanString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		// The source returns false for unset text fields.
		return ""
	case nil:
		return ""
	}
	return ""
}

// CleanFloat coerces a numeric field, defaulting to 0 on failure.
func (m *Mapper) CleanFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return 0
}

// coerceID converts a scalar id to int64.
func coerceID(v interface{}) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case bool:
		return 0
	}
	return 0
}

// Map normalizes a raw source record for the given entity type. Only
// canonical fields are emitted; source fields outside the canonical shape are
// dropped, and since the sync handler stores the mapped record as the raw
// payload, they are not kept in the raw store either.
func (m *Mapper) Map(entityType string, raw Record) (Record, error) {
	switch entityType {
	case EntityUser:
		return m.mapUser(raw), nil
	case EntityOpportunity:
		return m.mapOpportunity(raw), nil
	case EntityAccount:
		return m.mapAccount(raw), nil
	case EntityActivity:
		return m.mapActivity(raw), nil
	case EntityInvoice:
		return m.mapInvoice(raw), nil
	}
	return nil, errors.Newf(errors.ErrCodeValidation, "unknown entity type %q", entityType)
}

// mapUser maps an hr.employee record to the canonical user shape.
func (m *Mapper) mapUser(raw Record) Record {
	user := m.Relation(raw["user_id"])
	manager := m.Relation(raw["parent_id"])
	department := m.Relation(raw["department_id"])

	return Record{
		"odoo_employee_id": coerceID(raw["id"]),
		"odoo_user_id":     user.ID,
		"email":            m.CleanString(raw["work_email"]),
		"name":             m.CleanString(raw["name"]),
		"job_title":        m.CleanString(raw["job_title"]),
		"manager_odoo_id":  manager.ID,
		"manager_name":     manager.Name,
		"department_id":    department.ID,
		"department_name":  department.Name,
		// Sales team membership arrives through the department hierarchy in
		// the employee model; team fields always mirror the department.
		"team_id":   department.ID,
		"team_name": department.Name,
	}
}

// mapOpportunity maps a crm.lead record to the canonical opportunity shape.
func (m *Mapper) mapOpportunity(raw Record) Record {
	account := m.Relation(raw["partner_id"])
	owner := m.Relation(raw["user_id"])
	stage := m.Relation(raw["stage_id"])
	team := m.Relation(raw["team_id"])

	stageName := stage.Name
	if stageName == "" {
		stageName = "New"
	}

	return Record{
		"id":               coerceID(raw["id"]),
		"name":             m.CleanString(raw["name"]),
		"partner_id":       account.ID,
		"partner_name":     account.Name,
		"salesperson_id":   owner.ID,
		"salesperson_name": owner.Name,
		"stage_id":         stage.ID,
		"stage_name":       stageName,
		"team_id":          team.ID,
		"team_name":        team.Name,
		"expected_revenue": m.CleanFloat(raw["expected_revenue"]),
		"probability":      m.CleanFloat(raw["probability"]),
		"date_deadline":    m.CleanString(raw["date_deadline"]),
		"date_closed":      m.CleanString(raw["date_closed"]),
		"description":      m.CleanString(raw["description"]),
		"priority":         m.CleanString(raw["priority"]),
	}
}

// mapAccount maps a res.partner record to the canonical account shape.
func (m *Mapper) mapAccount(raw Record) Record {
	country := m.Relation(raw["country_id"])
	state := m.Relation(raw["state_id"])
	parent := m.Relation(raw["parent_id"])

	isCompany := false
	if b, ok := raw["is_company"].(bool); ok {
		isCompany = b
	}

	return Record{
		"id":           coerceID(raw["id"]),
		"name":         m.CleanString(raw["name"]),
		"email":        m.CleanString(raw["email"]),
		"phone":        m.CleanString(raw["phone"]),
		"mobile":       m.CleanString(raw["mobile"]),
		"website":      m.CleanString(raw["website"]),
		"street":       m.CleanString(raw["street"]),
		"city":         m.CleanString(raw["city"]),
		"zip":          m.CleanString(raw["zip"]),
		"state_id":     state.ID,
		"state_name":   state.Name,
		"country_id":   country.ID,
		"country_name": country.Name,
		"is_company":   isCompany,
		"parent_id":    parent.ID,
		"parent_name":  parent.Name,
	}
}

// mapActivity maps a mail.activity record to the canonical activity shape.
func (m *Mapper) mapActivity(raw Record) Record {
	user := m.Relation(raw["user_id"])
	activityType := m.Relation(raw["activity_type_id"])

	summary := m.CleanString(raw["summary"])
	if summary == "" {
		summary = m.CleanString(raw["note"])
	}

	typeName := activityType.Name
	if typeName == "" {
		typeName = "task"
	}

	state := m.CleanString(raw["state"])
	if state == "" {
		state = "planned"
	}

	return Record{
		"id":            coerceID(raw["id"]),
		"summary":       summary,
		"note":          m.CleanString(raw["note"]),
		"activity_type": typeName,
		"state":         state,
		"date_deadline": m.CleanString(raw["date_deadline"]),
		"res_model":     m.CleanString(raw["res_model"]),
		"res_id":        m.RelationID(raw["res_id"]),
		"user_id":       user.ID,
		"user_name":     user.Name,
	}
}

// mapInvoice maps an account.move record to the canonical invoice shape.
func (m *Mapper) mapInvoice(raw Record) Record {
	partner := m.Relation(raw["partner_id"])
	user := m.Relation(raw["user_id"])

	return Record{
		"id":              coerceID(raw["id"]),
		"name":            m.CleanString(raw["name"]),
		"partner_id":      partner.ID,
		"partner_name":    partner.Name,
		"salesperson_id":  user.ID,
		"amount_total":    m.CleanFloat(raw["amount_total"]),
		"amount_residual": m.CleanFloat(raw["amount_residual"]),
		"state":           m.CleanString(raw["state"]),
		"payment_state":   m.CleanString(raw["payment_state"]),
		"invoice_date":    m.CleanString(raw["invoice_date"]),
	}
}
