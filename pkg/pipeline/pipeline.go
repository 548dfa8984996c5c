// Package pipeline coordinates one research request end to end: drive the
// agent event stream through the tool-availability state machine, execute
// resolved tool calls, extract the structured result, persist it, and only
// then synthesize the human-readable summary.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trip-agent/agent_go/internal/utils"
	"trip-agent/agent_go/pkg/agentstream"
	"trip-agent/agent_go/pkg/conversation"
	"trip-agent/agent_go/pkg/mailbox"
	"trip-agent/agent_go/pkg/research"
	"trip-agent/agent_go/pkg/store"
	"trip-agent/agent_go/pkg/summary"

	"golang.org/x/sync/errgroup"
)

// Config controls per-request behavior. Zero values select defaults.
type Config struct {
	// ToolResponseThreshold is the completed tool response count after
	// which tools stop being advertised (default 3).
	ToolResponseThreshold int
	// MaxTurns bounds the model-call loop (default 10).
	MaxTurns int
	// RequestTimeout bounds the whole request when the caller's context
	// has no deadline. Research legitimately takes minutes; default 3m.
	RequestTimeout time.Duration
}

// Request is one inbound research request.
type Request struct {
	SessionID       string `json:"session_id"`
	ScenarioID      string `json:"scenario_id"`
	DestinationID   string `json:"destination_id"`
	DestinationName string `json:"destination_name"`
	Query           string `json:"query"`
	DurationDays    int    `json:"duration_days,omitempty"`
	Travelers       int    `json:"travelers,omitempty"`
}

// Response is the client-facing outcome. Saved=true tells the client to
// refresh derived views. Status is "ok" or "partial"; RawText is only set
// on partial responses, for diagnostics.
type Response struct {
	Status      string               `json:"status"`
	Result      *research.CostReport `json:"result,omitempty"`
	SummaryText string               `json:"summary_text,omitempty"`
	Saved       bool                 `json:"saved"`
	Version     int64                `json:"version,omitempty"`
	RawText     string               `json:"raw_text,omitempty"`
}

// Pipeline wires the coordination components together. One Pipeline serves
// many concurrent requests; all request state lives on the stack of Run.
type Pipeline struct {
	client      *agentstream.Client
	store       store.Store
	mailbox     *mailbox.Mailbox
	synthesizer *summary.Synthesizer
	extractor   *research.Extractor
	cfg         Config
	logger      utils.ExtendedLogger
}

func New(client *agentstream.Client, st store.Store, mbox *mailbox.Mailbox, synth *summary.Synthesizer, cfg Config, logger utils.ExtendedLogger) *Pipeline {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	return &Pipeline{
		client:      client,
		store:       st,
		mailbox:     mbox,
		synthesizer: synth,
		extractor:   research.NewExtractor(logger),
		cfg:         cfg,
		logger:      logger,
	}
}

// Run executes one research request. Errors are returned only for stream
// and save failures; extraction failure is a "partial" response and
// synthesis failure degrades to fallback text.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	events, err := p.converse(ctx, req)
	if err != nil {
		return nil, err
	}

	report, err := p.extractor.Extract(events)
	if err != nil {
		var ef *research.ExtractionFailure
		if errors.As(err, &ef) {
			p.logger.Warnf("extraction failed - session_id: %s, raw_len: %d", req.SessionID, len(ef.RawText))
			return &Response{Status: "partial", RawText: ef.RawText}, nil
		}
		return nil, err
	}

	items := research.LineItems(report, req.DestinationID, req.DestinationName)
	outcome, err := p.store.Save(ctx, req.ScenarioID, req.DestinationID, req.DestinationName, items)
	if err != nil {
		return nil, fmt.Errorf("save failed for scenario %s: %w", req.ScenarioID, err)
	}

	// Save has committed; from here nothing may roll it back.
	summaryText := p.synthesize(ctx, report, outcome)

	return &Response{
		Status:      "ok",
		Result:      report,
		SummaryText: summaryText,
		Saved:       outcome.Saved,
		Version:     outcome.Version,
	}, nil
}

// synthesize runs the summary turn and degrades to templated text on
// failure. The committed save is never affected either way.
func (p *Pipeline) synthesize(ctx context.Context, report *research.CostReport, outcome *store.SaveOutcome) string {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return summary.FallbackText(report, outcome)
	}
	text, err := p.synthesizer.Synthesize(ctx, string(reportJSON), outcome)
	if err != nil {
		p.logger.Warnf("summary degraded to fallback: %v", err)
		return summary.FallbackText(report, outcome)
	}
	return text
}

// converse runs the multi-turn loop and returns the full ordered event
// sequence. The state machine is consulted before each model call, so the
// transition affects the next prompt and never an in-flight one.
func (p *Pipeline) converse(ctx context.Context, req Request) ([]agentstream.Event, error) {
	state := conversation.NewState(p.cfg.ToolResponseThreshold)
	registry := buildRegistry(req.SessionID, p.mailbox, p.logger)
	schema := research.Schema()

	messages := []agentstream.Message{{Role: "user", Text: buildPrompt(req)}}
	var events []agentstream.Event

	for turn := 0; turn < p.cfg.MaxTurns; turn++ {
		structuredOnly := state.Mode() == conversation.StructuredOutputOnly
		registry.SetAdvertise(!structuredOnly)

		sreq := agentstream.StreamRequest{
			SessionID: req.SessionID,
			Messages:  messages,
			Tools:     registry.Advertised(),
		}
		if structuredOnly {
			sreq.OutputSchema = schema
		}

		reader, err := p.client.Stream(ctx, sreq)
		if err != nil {
			return nil, err
		}
		turnEvents, err := reader.ReadAll()
		if err != nil {
			// Accumulated text travels inside the StreamError; nothing is
			// silently truncated, and no partial save is attempted.
			return nil, err
		}

		var calls []agentstream.ToolCall
		finishSeen := false
		for _, ev := range turnEvents {
			events = append(events, ev)
			state.Observe(ev)
			if call, ok := ev.(agentstream.ToolCall); ok {
				if call.Name == research.FinishToolName {
					finishSeen = true
					continue
				}
				calls = append(calls, call)
			}
		}
		p.logger.Infof("research turn complete - session_id: %s, turn: %d, events: %d, tool_calls: %d, mode: %s",
			req.SessionID, turn, len(turnEvents), len(calls), state.Mode())

		if finishSeen || len(calls) == 0 {
			return events, nil
		}

		responses, err := p.executeToolCalls(ctx, registry, calls)
		if err != nil {
			return nil, err
		}
		for i, resp := range responses {
			events = append(events, resp)
			state.Observe(resp)
			messages = append(messages,
				agentstream.Message{Role: "assistant", ToolName: calls[i].Name, ToolArgs: calls[i].Args},
				agentstream.Message{Role: "tool", ToolName: resp.Name, Result: resp.Result},
			)
		}
	}

	return events, nil
}

// executeToolCalls runs the turn's calls concurrently but returns the
// responses in call order so event ordering stays deterministic. A call
// to an unknown or failing tool yields an error payload for the model
// rather than failing the request.
func (p *Pipeline) executeToolCalls(ctx context.Context, registry *conversation.Registry, calls []agentstream.ToolCall) ([]agentstream.ToolResponse, error) {
	responses := make([]agentstream.ToolResponse, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, call := range calls {
		g.Go(func() error {
			var args map[string]any
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &args); err != nil {
					responses[i] = errorResponse(call.Name, fmt.Errorf("malformed arguments: %w", err))
					return nil
				}
			}
			result, err := registry.Execute(gctx, call.Name, args)
			if err != nil {
				p.logger.Warnf("tool execution failed - tool: %s, error: %v", call.Name, err)
				responses[i] = errorResponse(call.Name, err)
				return nil
			}
			responses[i] = agentstream.ToolResponse{Name: call.Name, Result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

func errorResponse(name string, err error) agentstream.ToolResponse {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return agentstream.ToolResponse{Name: name, Result: payload}
}

func buildPrompt(req Request) string {
	prompt := fmt.Sprintf(
		"Research travel costs for %s. Find per-category estimates (flights, accommodation, food, transport, activities) in local currency and USD.",
		req.DestinationName)
	if req.DurationDays > 0 {
		prompt += fmt.Sprintf(" Trip length: %d days.", req.DurationDays)
	}
	if req.Travelers > 0 {
		prompt += fmt.Sprintf(" Travelers: %d.", req.Travelers)
	}
	if req.Query != "" {
		prompt += " Additional context: " + req.Query
	}
	prompt += fmt.Sprintf(" When research is complete, call %s with the full report.", research.FinishToolName)
	return prompt
}
