package projection

import (
	"testing"

	"github.com/salescommand/backbone/pkg/testing/helpers"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		summary      string
		activityType string
		want         string
	}{
		{"POC kickoff with Acme", "Task", CategoryPOC},
		{"Schedule proof of concept", "Task", CategoryPOC},
		{"Pilot phase review", "Meeting", CategoryPOC},
		{"Product demo for the team", "Task", CategoryDemo},
		{"Platform walkthrough", "Call", CategoryDemo},
		{"Executive presentation", "Task", CategoryPresentation},
		{"Prepare the pitch deck", "Task", CategoryPresentation},
		{"RFP response due", "Task", CategoryRFPInfluence},
		{"Submit tender documents", "Task", CategoryRFPInfluence},
		{"Draft proposal", "Task", CategoryRFPInfluence},
		{"Lead qualification call", "Call", CategoryLead},
		{"Discovery session", "Meeting", CategoryLead},
		{"Weekly sync", "Meeting", CategoryMeeting},
		{"Follow up", "Phone Call", CategoryCall},
		{"Misc paperwork", "Task", CategoryOther},
		{"", "", CategoryOther},
	}

	for _, tt := range tests {
		got := Categorize(tt.summary, tt.activityType)
		helpers.AssertEqual(t, tt.want, got, "summary=%q type=%q", tt.summary, tt.activityType)
	}
}

func TestCategorizeIsCaseInsensitive(t *testing.T) {
	helpers.AssertEqual(t, CategoryDemo, Categorize("DEMO with client", "task"))
	helpers.AssertEqual(t, CategoryPOC, Categorize("Poc review", "task"))
}

func TestCategorizeSummaryTakesPrecedenceOverType(t *testing.T) {
	// A meeting about a demo counts as a demo.
	helpers.AssertEqual(t, CategoryDemo, Categorize("Demo for Acme", "Meeting"))
}
