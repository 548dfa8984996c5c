package research

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"trip-agent/agent_go/pkg/agentstream"
	"trip-agent/agent_go/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validReportJSON = `{
	"report_type": "destination_cost_report",
	"destination_name": "Lisbon",
	"estimates": [
		{"category": "flights", "amount_local": 420, "currency": "EUR", "amount_usd": 455},
		{"category": "accommodation", "amount_local": 900, "currency": "EUR", "amount_usd": 975}
	],
	"confidence": 0.8,
	"citations": ["https://example.com/fares"]
}`

func testExtractor(t *testing.T) *Extractor {
	t.Helper()
	return NewExtractor(logger.CreateTestLogger(filepath.Join(t.TempDir(), "test.log"), "debug"))
}

func TestExtractFromFinishToolCall(t *testing.T) {
	events := []agentstream.Event{
		agentstream.TextDelta{Text: "Here is my report."},
		agentstream.ToolCall{Name: FinishToolName, Args: json.RawMessage(validReportJSON)},
	}

	report, err := testExtractor(t).Extract(events)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", report.DestinationName)
	assert.Len(t, report.Estimates, 2)
}

func TestExtractFromFinishToolResponse(t *testing.T) {
	events := []agentstream.Event{
		agentstream.ToolResponse{Name: FinishToolName, Result: json.RawMessage(validReportJSON)},
	}

	report, err := testExtractor(t).Extract(events)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", report.DestinationName)
}

func TestExtractFromFreeText(t *testing.T) {
	events := []agentstream.Event{
		agentstream.TextDelta{Text: "Based on my research:\n```json\n"},
		agentstream.TextDelta{Text: validReportJSON},
		agentstream.TextDelta{Text: "\n```\nLet me know if you need more."},
	}

	report, err := testExtractor(t).Extract(events)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", report.DestinationName)
}

func TestExtractionPathEquivalence(t *testing.T) {
	viaTool := []agentstream.Event{
		agentstream.ToolCall{Name: FinishToolName, Args: json.RawMessage(validReportJSON)},
	}
	viaText := []agentstream.Event{
		agentstream.TextDelta{Text: "Report follows: " + validReportJSON + " done."},
	}

	ex := testExtractor(t)
	fromTool, err := ex.Extract(viaTool)
	require.NoError(t, err)
	fromText, err := ex.Extract(viaText)
	require.NoError(t, err)

	// Both delivery paths must produce identical results, down to the
	// derived line items.
	assert.Equal(t, fromTool, fromText)
	assert.Equal(t,
		LineItems(fromTool, "dest-1", "Lisbon"),
		LineItems(fromText, "dest-1", "Lisbon"))
}

func TestExtractPicksLargestDiscriminatorObject(t *testing.T) {
	small := `{"report_type": "destination_cost_report", "destination_name": "X", "estimates": [{"category": "food", "amount_local": 1, "currency": "EUR", "amount_usd": 1}]}`
	events := []agentstream.Event{
		agentstream.TextDelta{Text: "Draft: " + small + "\nFinal: " + validReportJSON},
	}

	report, err := testExtractor(t).Extract(events)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", report.DestinationName)
}

func TestExtractFailurePreservesRawText(t *testing.T) {
	events := []agentstream.Event{
		agentstream.TextDelta{Text: "I could not complete the research, sorry."},
		agentstream.ToolCall{Name: "search_travel_costs", Args: json.RawMessage(`{}`)},
	}

	_, err := testExtractor(t).Extract(events)
	var ef *ExtractionFailure
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, "I could not complete the research, sorry.", ef.RawText)
}

func TestExtractRejectsInvalidDiscriminator(t *testing.T) {
	bad := `{"report_type": "something_else", "destination_name": "X", "estimates": [{"category": "food", "amount_local": 1, "currency": "EUR", "amount_usd": 1}]}`
	events := []agentstream.Event{agentstream.TextDelta{Text: bad}}

	_, err := testExtractor(t).Extract(events)
	var ef *ExtractionFailure
	require.True(t, errors.As(err, &ef))
}

func TestLineItemIDStability(t *testing.T) {
	a := LineItemID("dest-1", "Flights", "Lisbon")
	b := LineItemID("dest-1", "flights", "  lisbon ")
	c := LineItemID("dest-2", "flights", "lisbon")

	// Normalization makes casing and spacing irrelevant; the destination
	// id always participates.
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestLineItemsDeterministic(t *testing.T) {
	var report CostReport
	require.NoError(t, json.Unmarshal([]byte(validReportJSON), &report))

	first := LineItems(&report, "dest-1", "Lisbon")
	second := LineItems(&report, "dest-1", "Lisbon")
	assert.Equal(t, first, second)

	require.Len(t, first, 2)
	assert.Equal(t, StatusEstimated, first[0].Status)
	assert.Equal(t, SourceAgent, first[0].Source)
	assert.Equal(t, "dest-1", first[0].DestinationID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CostReport)
		wantErr bool
	}{
		{"valid", func(r *CostReport) {}, false},
		{"wrong discriminator", func(r *CostReport) { r.ReportType = "x" }, true},
		{"empty destination", func(r *CostReport) { r.DestinationName = " " }, true},
		{"no estimates", func(r *CostReport) { r.Estimates = nil }, true},
		{"estimate without category", func(r *CostReport) { r.Estimates[0].Category = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var report CostReport
			require.NoError(t, json.Unmarshal([]byte(validReportJSON), &report))
			tt.mutate(&report)
			err := report.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchemaContainsDiscriminator(t *testing.T) {
	schema := string(Schema())
	assert.Contains(t, schema, "report_type")
	assert.Contains(t, schema, "estimates")
}
