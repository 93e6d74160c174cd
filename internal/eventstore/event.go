// Package eventstore implements the immutable domain event log and the
// in-process event bus that fans events out to projections.
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a domain event.
type EventType string

// Domain event types (closed set).
const (
	// User events
	EventTypeOdooUserSynced  EventType = "OdooUserSynced"
	EventTypeUserLoggedIn    EventType = "UserLoggedIn"
	EventTypeManagerAssigned EventType = "ManagerAssigned"
	EventTypeUserRoleChanged EventType = "UserRoleChanged"

	// Opportunity events
	EventTypeOdooOpportunitySynced   EventType = "OdooOpportunitySynced"
	EventTypeOpportunityCreated      EventType = "OpportunityCreated"
	EventTypeOpportunityAssigned     EventType = "OpportunityAssigned"
	EventTypeOpportunityStageChanged EventType = "OpportunityStageChanged"
	EventTypeOpportunityDeleted      EventType = "OpportunityDeleted"

	// Account events
	EventTypeOdooAccountSynced EventType = "OdooAccountSynced"

	// Invoice events
	EventTypeOdooInvoiceSynced EventType = "OdooInvoiceSynced"

	// Activity events
	EventTypeOdooActivitySynced EventType = "OdooActivitySynced"
)

// AggregateType represents the type of aggregate an event belongs to.
type AggregateType string

// Aggregate types (closed set).
const (
	AggregateUser        AggregateType = "User"
	AggregateOpportunity AggregateType = "Opportunity"
	AggregateAccount     AggregateType = "Account"
	AggregateActivity    AggregateType = "Activity"
	AggregateInvoice     AggregateType = "Invoice"
)

// Metadata carries event context for correlation and attribution.
type Metadata struct {
	UserID        string `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Source        string `bson:"source" json:"source"`
	CorrelationID string `bson:"correlation_id,omitempty" json:"correlation_id,omitempty"`
	CausationID   string `bson:"causation_id,omitempty" json:"causation_id,omitempty"`
}

// Event is an immutable record in the event store. Once appended, only the
// ProcessedBy set may grow.
type Event struct {
	ID            string                 `bson:"id" json:"id"`
	Type          EventType              `bson:"event_type" json:"event_type"`
	AggregateType AggregateType          `bson:"aggregate_type" json:"aggregate_type"`
	AggregateID   string                 `bson:"aggregate_id" json:"aggregate_id"`
	Payload       map[string]interface{} `bson:"payload" json:"payload"`
	Metadata      Metadata               `bson:"metadata" json:"metadata"`
	Timestamp     time.Time              `bson:"timestamp" json:"timestamp"`
	Version       int                    `bson:"version" json:"version"`
	ProcessedBy   []string               `bson:"processed_by" json:"processed_by"`
}

// NewEvent creates a new event. Version 0 means "assign on append": the store
// allocates the next per-aggregate version.
func NewEvent(eventType EventType, aggregateType AggregateType, aggregateID string, payload map[string]interface{}) *Event {
	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
		Metadata:      Metadata{Source: "system"},
		Timestamp:     time.Now().UTC(),
		ProcessedBy:   []string{},
	}
}

// WithMetadata sets the event metadata.
func (e *Event) WithMetadata(md Metadata) *Event {
	e.Metadata = md
	return e
}

// WithVersion sets an explicit per-aggregate version.
func (e *Event) WithVersion(version int) *Event {
	e.Version = version
	return e
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event from JSON.
func Unmarshal(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// Payload accessors. Event payloads are opaque maps whose values come back
// from the driver as int32/int64/float64/string depending on the wire type,
// so access goes through coercing helpers.

// PayloadString returns the payload value for key as a string.
func (e *Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// PayloadInt64 returns the payload value for key as an int64.
// Returns 0 when the key is absent or not numeric.
func (e *Event) PayloadInt64(key string) int64 {
	v, ok := e.Payload[key]
	if !ok {
		return 0
	}
	return CoerceInt64(v)
}

// PayloadFloat returns the payload value for key as a float64.
func (e *Event) PayloadFloat(key string) float64 {
	v, ok := e.Payload[key]
	if !ok {
		return 0
	}
	return CoerceFloat(v)
}

// CoerceInt64 converts any numeric representation to int64.
func CoerceInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

// CoerceFloat converts any numeric representation to float64.
func CoerceFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return 0
}
