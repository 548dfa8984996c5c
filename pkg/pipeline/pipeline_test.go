package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trip-agent/agent_go/pkg/agentstream"
	"trip-agent/agent_go/pkg/logger"
	"trip-agent/agent_go/pkg/mailbox"
	"trip-agent/agent_go/pkg/research"
	"trip-agent/agent_go/pkg/store"
	"trip-agent/agent_go/pkg/summary"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

const reportJSON = `{
	"report_type": "destination_cost_report",
	"destination_name": "Lisbon",
	"estimates": [
		{"category": "flights", "amount_local": 420, "currency": "EUR", "amount_usd": 455},
		{"category": "accommodation", "amount_local": 900, "currency": "EUR", "amount_usd": 975}
	]
}`

// scriptedRuntime serves one canned SSE body per model turn and records
// every request it saw.
type scriptedRuntime struct {
	mu       sync.Mutex
	turns    []string
	requests []agentstream.StreamRequest
}

func (s *scriptedRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req agentstream.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	turn := len(s.requests) - 1
	var body string
	if turn < len(s.turns) {
		body = s.turns[turn]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Write([]byte(body))
}

func (s *scriptedRuntime) recorded() []agentstream.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agentstream.StreamRequest(nil), s.requests...)
}

func textFrame(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"content": map[string]any{"parts": []map[string]any{{"text": text}}},
	})
	return "data: " + string(payload) + "\n\n"
}

func callFrame(name string, args string) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(args)); err != nil {
		panic(err)
	}
	payload, _ := json.Marshal(map[string]any{
		"content": map[string]any{"parts": []map[string]any{
			{"function_call": map[string]any{"name": name, "args": json.RawMessage(compact.Bytes())}},
		}},
	})
	return "data: " + string(payload) + "\n\n"
}

func responseFrame(name string, result string) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(result)); err != nil {
		panic(err)
	}
	payload, _ := json.Marshal(map[string]any{
		"content": map[string]any{"parts": []map[string]any{
			{"function_response": map[string]any{"name": name, "response": json.RawMessage(compact.Bytes())}},
		}},
	})
	return "data: " + string(payload) + "\n\n"
}

type fakeModel struct {
	response string
	err      error
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return f.response, f.err
}

type fixture struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	mailbox  *mailbox.Mailbox
	runtime  *scriptedRuntime
}

func newFixture(t *testing.T, turns []string, model llms.Model) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.CreateTestLogger(filepath.Join(dir, "test.log"), "debug")

	runtime := &scriptedRuntime{turns: turns}
	srv := httptest.NewServer(runtime)
	t.Cleanup(srv.Close)

	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mbox := mailbox.New(0)
	client := agentstream.NewClient(srv.URL, time.Minute, log)
	synth := summary.NewSynthesizer(model, 0.3, 0, log)

	return &fixture{
		pipeline: New(client, st, mbox, synth, Config{ToolResponseThreshold: 3, MaxTurns: 5, RequestTimeout: time.Minute}, log),
		store:    st,
		mailbox:  mbox,
		runtime:  runtime,
	}
}

func testRequest() Request {
	return Request{
		SessionID:       "sess-1",
		ScenarioID:      "trip-1",
		DestinationID:   "dest-a",
		DestinationName: "Lisbon",
		Query:           "mid-range budget",
	}
}

// Full flow: four tool responses push the state machine past the
// threshold, the second turn gets no tools but an output schema, and the
// finish tool delivers the report.
func TestRunToolCallPath(t *testing.T) {
	turn1 := responseFrame("search_travel_costs", `{"flights": 450}`) +
		responseFrame("search_travel_costs", `{"hotels": 90}`) +
		responseFrame("convert_currency", `{"rate": 1.08}`) +
		callFrame("add_destination", `{"destination_id":"dest-a","destination_name":"Lisbon"}`)
	turn2 := callFrame(research.FinishToolName, reportJSON)

	f := newFixture(t, []string{turn1, turn2}, &fakeModel{response: "Lisbon runs about $1430 total."})
	resp, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Saved)
	assert.Equal(t, int64(1), resp.Version)
	assert.Equal(t, "Lisbon runs about $1430 total.", resp.SummaryText)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "Lisbon", resp.Result.DestinationName)

	// The second turn must advertise no tools and carry the schema: the
	// transition happened before the model call, not after.
	reqs := f.runtime.recorded()
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].Tools)
	assert.Empty(t, reqs[0].OutputSchema)
	assert.Empty(t, reqs[1].Tools)
	assert.NotEmpty(t, reqs[1].OutputSchema)

	// The add_destination call published exactly one mailbox entry,
	// drained exactly once.
	entries := f.mailbox.Drain("sess-1")
	require.Len(t, entries, 1)
	assert.Equal(t, mailbox.DestinationAdded, entries[0].Type)
	assert.Empty(t, f.mailbox.Drain("sess-1"))

	latest, err := f.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.Len(t, latest.Items, 2)
}

// The agent never calls the finish tool; the report rides in free text
// and the save proceeds identically to the tool-call path.
func TestRunTextPath(t *testing.T) {
	turn1 := textFrame("Here is what I found:\n```json\n"+reportJSON+"\n```") + "data: [DONE]\n"

	f := newFixture(t, []string{turn1}, &fakeModel{response: "About $1430 for Lisbon."})
	resp, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Saved)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "Lisbon", resp.Result.DestinationName)

	latest, err := f.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.Len(t, latest.Items, 2)
}

// Both delivery paths persist byte-identical line items.
func TestRunPathsPersistIdentically(t *testing.T) {
	viaTool := newFixture(t, []string{callFrame(research.FinishToolName, reportJSON)}, &fakeModel{response: "s"})
	viaText := newFixture(t, []string{textFrame(reportJSON)}, &fakeModel{response: "s"})

	_, err := viaTool.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)
	_, err = viaText.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)

	fromTool, err := viaTool.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	fromText, err := viaText.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.Equal(t, fromTool.Items, fromText.Items)
	assert.Equal(t, fromTool.ContentHash, fromText.ContentHash)
}

// Re-running the identical research request creates no second version.
func TestRunIdempotentAcrossRequests(t *testing.T) {
	turns := []string{textFrame(reportJSON), textFrame(reportJSON)}
	f := newFixture(t, turns, &fakeModel{response: "s"})

	first, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, first.Saved)

	second, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, second.Saved)
	assert.Equal(t, first.Version, second.Version)
}

// No parsable result anywhere: partial status with the raw text for
// diagnostics, and nothing persisted.
func TestRunExtractionFailureIsPartial(t *testing.T) {
	f := newFixture(t, []string{textFrame("I was unable to find reliable prices.")}, &fakeModel{response: "s"})

	resp, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "partial", resp.Status)
	assert.False(t, resp.Saved)
	assert.Contains(t, resp.RawText, "unable to find")

	latest, err := f.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// Synthesis failure degrades to the templated fallback and never affects
// the committed save.
func TestRunSynthesisFailureFallsBack(t *testing.T) {
	f := newFixture(t, []string{textFrame(reportJSON)}, &fakeModel{err: errors.New("model down")})

	resp, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Saved)
	assert.Contains(t, resp.SummaryText, "Lisbon")
	assert.Contains(t, resp.SummaryText, "version 1")

	latest, err := f.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
}

// A truncated stream fails the request with a StreamError and attempts
// no save; mailbox entries published before the failure survive.
func TestRunStreamErrorFailsWithoutSave(t *testing.T) {
	truncated := "data: {\"content\":{\"parts\":[{\"text\":\"cut mid"
	f := newFixture(t, []string{truncated}, &fakeModel{response: "s"})

	_, err := f.pipeline.Run(context.Background(), testRequest())
	var streamErr *agentstream.StreamError
	require.True(t, errors.As(err, &streamErr))

	latest, err := f.store.GetLatest(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// An unresolvable tool name is reported back to the model as an error
// payload instead of failing the request.
func TestRunUnknownToolYieldsErrorResponse(t *testing.T) {
	turn1 := callFrame("no_such_tool", `{}`)
	turn2 := callFrame(research.FinishToolName, reportJSON)
	f := newFixture(t, []string{turn1, turn2}, &fakeModel{response: "s"})

	resp, err := f.pipeline.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, resp.Saved)

	reqs := f.runtime.recorded()
	require.Len(t, reqs, 2)
	// The error result rode back as the tool message of the next turn.
	var sawErrorResult bool
	for _, msg := range reqs[1].Messages {
		if msg.Role == "tool" && msg.ToolName == "no_such_tool" {
			assert.Contains(t, string(msg.Result), "not registered")
			sawErrorResult = true
		}
	}
	assert.True(t, sawErrorResult)
}
