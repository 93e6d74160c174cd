package eventstore

import (
	"testing"

	"github.com/salescommand/backbone/pkg/testing/helpers"
)

func TestNewEventDefaults(t *testing.T) {
	event := NewEvent(EventTypeOdooUserSynced, AggregateUser, "user-10", map[string]interface{}{"email": "a@b.com"})

	helpers.AssertTrue(t, event.ID != "", "id is assigned")
	helpers.AssertEqual(t, 0, event.Version, "version 0 means store-assigned")
	helpers.AssertEqual(t, "system", event.Metadata.Source)
	helpers.AssertEqual(t, 0, len(event.ProcessedBy))
	helpers.AssertTrue(t, !event.Timestamp.IsZero())
}

func TestEventMetadataAndVersionBuilders(t *testing.T) {
	event := NewEvent(EventTypeOdooUserSynced, AggregateUser, "user-10", nil).
		WithMetadata(Metadata{Source: "odoo_sync", CorrelationID: "job-1"}).
		WithVersion(4)

	helpers.AssertEqual(t, "odoo_sync", event.Metadata.Source)
	helpers.AssertEqual(t, "job-1", event.Metadata.CorrelationID)
	helpers.AssertEqual(t, 4, event.Version)
}

func TestEventRoundTrip(t *testing.T) {
	event := NewEvent(EventTypeOdooOpportunitySynced, AggregateOpportunity, "opportunity-7", map[string]interface{}{
		"id":   float64(7),
		"name": "Big deal",
	})

	data, err := event.Marshal()
	helpers.AssertNoError(t, err)

	decoded, err := Unmarshal(data)
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, event.ID, decoded.ID)
	helpers.AssertEqual(t, event.Type, decoded.Type)
	helpers.AssertEqual(t, event.AggregateID, decoded.AggregateID)
}

func TestPayloadCoercion(t *testing.T) {
	event := NewEvent(EventTypeOdooOpportunitySynced, AggregateOpportunity, "opportunity-7", map[string]interface{}{
		"int64_id":   int64(42),
		"int32_id":   int32(43),
		"float_id":   float64(44),
		"revenue":    float64(1500.5),
		"int_value":  7,
		"name":       "Deal",
		"numeric":    int64(9),
		"null_value": nil,
	})

	helpers.AssertEqual(t, int64(42), event.PayloadInt64("int64_id"))
	helpers.AssertEqual(t, int64(43), event.PayloadInt64("int32_id"))
	helpers.AssertEqual(t, int64(44), event.PayloadInt64("float_id"))
	helpers.AssertEqual(t, int64(0), event.PayloadInt64("missing"))
	helpers.AssertEqual(t, int64(0), event.PayloadInt64("name"), "non-numeric coerces to zero")

	helpers.AssertEqual(t, 1500.5, event.PayloadFloat("revenue"))
	helpers.AssertEqual(t, 7.0, event.PayloadFloat("int_value"))
	helpers.AssertEqual(t, 0.0, event.PayloadFloat("missing"))

	helpers.AssertEqual(t, "Deal", event.PayloadString("name"))
	helpers.AssertEqual(t, "9", event.PayloadString("numeric"), "numbers format as strings")
	helpers.AssertEqual(t, "", event.PayloadString("null_value"))
	helpers.AssertEqual(t, "", event.PayloadString("missing"))
}
