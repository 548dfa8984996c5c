// Package conversation tracks per-request tool availability. The model is
// allowed free tool use until enough tool responses have completed, after
// which every subsequent turn must produce schema-bound structured output.
package conversation

import (
	"sync"

	"trip-agent/agent_go/pkg/agentstream"
)

// Mode is the tool-availability mode of a research request.
type Mode int

const (
	// ToolsEnabled is the initial mode: tools are advertised to the model.
	ToolsEnabled Mode = iota
	// StructuredOutputOnly is terminal for the request: tools are no
	// longer advertised, the model must emit the structured result.
	StructuredOutputOnly
)

func (m Mode) String() string {
	if m == StructuredOutputOnly {
		return "structured_output_only"
	}
	return "tools_enabled"
}

// DefaultToolResponseThreshold is the number of completed tool responses
// after which tool advertisement stops. A heuristic, not a completion
// signal from the runtime; see DESIGN.md.
const DefaultToolResponseThreshold = 3

// State is the per-request tool-availability state machine. It is reset
// at the start of each research request, never across turns of the same
// request. The zero value is not usable; use NewState.
type State struct {
	mu            sync.Mutex
	threshold     int
	toolResponses int
	mode          Mode
}

// NewState creates a request-scoped state machine. threshold <= 0 selects
// the default.
func NewState(threshold int) *State {
	if threshold <= 0 {
		threshold = DefaultToolResponseThreshold
	}
	return &State{threshold: threshold}
}

// Observe feeds one agent event through the machine. Only ToolResponse
// events advance it; once the threshold is reached the machine transitions
// to StructuredOutputOnly and stays there regardless of further events.
func (s *State) Observe(ev agentstream.Event) {
	if _, ok := ev.(agentstream.ToolResponse); !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResponses++
	if s.toolResponses >= s.threshold {
		s.mode = StructuredOutputOnly
	}
}

// Mode returns the current mode. Consulted before issuing each model call
// so the transition takes effect on the next prompt, not retroactively.
func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ToolResponses returns the number of completed tool responses observed.
func (s *State) ToolResponses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolResponses
}
