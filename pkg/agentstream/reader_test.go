package agentstream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(stream string) *Reader {
	return NewReader(io.NopCloser(strings.NewReader(stream)))
}

func TestReaderParsesEventSequence(t *testing.T) {
	stream := "" +
		"data: {\"content\":{\"parts\":[{\"text\":\"Looking up flights\"}]}}\n" +
		"\n" +
		"data: {\"content\":{\"parts\":[{\"function_call\":{\"name\":\"search_travel_costs\",\"args\":{\"destination\":\"Lisbon\"}}}]}}\n" +
		"\n" +
		"data: {\"content\":{\"parts\":[{\"function_response\":{\"name\":\"search_travel_costs\",\"response\":{\"flights\":450}}}]}}\n" +
		"\n" +
		"data: [DONE]\n"

	events, err := newTestReader(stream).ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 3)

	td, ok := events[0].(TextDelta)
	require.True(t, ok)
	assert.Equal(t, "Looking up flights", td.Text)

	call, ok := events[1].(ToolCall)
	require.True(t, ok)
	assert.Equal(t, "search_travel_costs", call.Name)
	assert.JSONEq(t, `{"destination":"Lisbon"}`, string(call.Args))

	resp, ok := events[2].(ToolResponse)
	require.True(t, ok)
	assert.Equal(t, "search_travel_costs", resp.Name)
	assert.JSONEq(t, `{"flights":450}`, string(resp.Result))
}

func TestReaderPreservesOrderWithinFrame(t *testing.T) {
	stream := "data: {\"content\":{\"parts\":[" +
		"{\"text\":\"first\"}," +
		"{\"function_call\":{\"name\":\"convert_currency\",\"args\":{}}}," +
		"{\"text\":\"second\"}]}}\n\n"

	events, err := newTestReader(stream).ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.IsType(t, TextDelta{}, events[0])
	assert.IsType(t, ToolCall{}, events[1])
	assert.IsType(t, TextDelta{}, events[2])
}

func TestReaderRebuffersSplitFrame(t *testing.T) {
	// The frame payload is split across two SSE frames: the blank line
	// after the first half arrives before the JSON is complete, so the
	// reader must keep buffering instead of dropping the fragment.
	stream := "" +
		"data: {\"content\":{\"parts\":[{\"text\":\"hel\n" +
		"\n" +
		"data: lo\"}]}}\n" +
		"\n"

	events, err := newTestReader(stream).ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TextDelta{Text: "hello"}, events[0])
}

func TestReaderTrailingFrameWithoutTerminator(t *testing.T) {
	stream := "data: {\"content\":{\"parts\":[{\"text\":\"tail\"}]}}"

	events, err := newTestReader(stream).ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TextDelta{Text: "tail"}, events[0])
}

func TestReaderTruncatedStreamSurfacesStreamError(t *testing.T) {
	stream := "" +
		"data: {\"content\":{\"parts\":[{\"text\":\"partial answer\"}]}}\n" +
		"\n" +
		"data: {\"content\":{\"parts\":[{\"text\":\"cut off\n"

	r := newTestReader(stream)
	events, err := r.ReadAll()
	require.Len(t, events, 1)

	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr))
	// Accumulated text from before the failure is preserved.
	assert.Equal(t, "partial answer", streamErr.Accumulated)
}

func TestReaderIgnoresCommentsAndEventNames(t *testing.T) {
	stream := "" +
		": keepalive\n" +
		"event: message\n" +
		"data: {\"content\":{\"parts\":[{\"text\":\"ok\"}]}}\n" +
		"\n"

	events, err := newTestReader(stream).ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestConcatText(t *testing.T) {
	events := []Event{
		TextDelta{Text: "a "},
		ToolCall{Name: "x", Args: json.RawMessage(`{}`)},
		TextDelta{Text: "b"},
		ToolResponse{Name: "x", Result: json.RawMessage(`{}`)},
		TextDelta{Text: " c"},
	}
	assert.Equal(t, "a b c", ConcatText(events))
}
