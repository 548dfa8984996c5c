package conversation

import (
	"encoding/json"
	"testing"

	"trip-agent/agent_go/pkg/agentstream"

	"github.com/stretchr/testify/assert"
)

func toolResponse() agentstream.Event {
	return agentstream.ToolResponse{Name: "search_travel_costs", Result: json.RawMessage(`{}`)}
}

func TestStateTransitionsAtThreshold(t *testing.T) {
	s := NewState(3)
	assert.Equal(t, ToolsEnabled, s.Mode())

	s.Observe(toolResponse())
	s.Observe(toolResponse())
	assert.Equal(t, ToolsEnabled, s.Mode())

	s.Observe(toolResponse())
	assert.Equal(t, StructuredOutputOnly, s.Mode())
	assert.Equal(t, 3, s.ToolResponses())
}

func TestStateIgnoresOtherEventTypes(t *testing.T) {
	s := NewState(2)
	s.Observe(agentstream.TextDelta{Text: "thinking"})
	s.Observe(agentstream.ToolCall{Name: "search_travel_costs"})
	assert.Equal(t, ToolsEnabled, s.Mode())
	assert.Equal(t, 0, s.ToolResponses())
}

func TestStateTransitionIsTerminal(t *testing.T) {
	s := NewState(1)
	s.Observe(toolResponse())
	assert.Equal(t, StructuredOutputOnly, s.Mode())

	// No event type moves the machine back.
	s.Observe(agentstream.TextDelta{Text: "more text"})
	s.Observe(agentstream.ToolCall{Name: "add_destination"})
	s.Observe(toolResponse())
	assert.Equal(t, StructuredOutputOnly, s.Mode())
}

func TestStateDefaultThreshold(t *testing.T) {
	s := NewState(0)
	for i := 0; i < DefaultToolResponseThreshold-1; i++ {
		s.Observe(toolResponse())
	}
	assert.Equal(t, ToolsEnabled, s.Mode())
	s.Observe(toolResponse())
	assert.Equal(t, StructuredOutputOnly, s.Mode())
}
