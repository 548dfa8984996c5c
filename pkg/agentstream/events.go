// Package agentstream reads the server-sent event stream emitted by the
// agent runtime and normalizes it into a typed, ordered event sequence.
package agentstream

import (
	"encoding/json"
	"fmt"
)

// Event is one normalized agent event. Exactly one of TextDelta, ToolCall
// or ToolResponse implements it. Events are immutable after creation and
// their order within a single agent turn is significant.
type Event interface {
	eventType() string
}

// TextDelta is a fragment of free-form model text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCall is a request by the model to invoke a named tool.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResponse is the result returned to the model for a prior tool call.
type ToolResponse struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result"`
}

func (TextDelta) eventType() string    { return "text_delta" }
func (ToolCall) eventType() string     { return "tool_call" }
func (ToolResponse) eventType() string { return "tool_response" }

// StreamError indicates a transport or parse failure while reading the
// agent event stream. Accumulated carries all text received before the
// failure so callers never lose it silently.
type StreamError struct {
	Op          string
	Accumulated string
	Err         error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("agent stream %s failed: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// frame mirrors the wire format of a single SSE data payload from the
// agent runtime.
type frame struct {
	Content struct {
		Parts []framePart `json:"parts"`
	} `json:"content"`
}

type framePart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"function_call,omitempty"`
	FunctionResponse *struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response"`
	} `json:"function_response,omitempty"`
}

// events converts one parsed frame into its ordered event list.
func (f *frame) events() []Event {
	var out []Event
	for _, part := range f.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			out = append(out, ToolCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args})
		case part.FunctionResponse != nil:
			out = append(out, ToolResponse{Name: part.FunctionResponse.Name, Result: part.FunctionResponse.Response})
		case part.Text != "":
			out = append(out, TextDelta{Text: part.Text})
		}
	}
	return out
}

// ConcatText joins every TextDelta in the sequence, in order. Used for
// diagnostics and for the text extraction path.
func ConcatText(events []Event) string {
	var buf []byte
	for _, ev := range events {
		if td, ok := ev.(TextDelta); ok {
			buf = append(buf, td.Text...)
		}
	}
	return string(buf)
}
