package research

import (
	"encoding/json"
	"fmt"
	"strings"

	"trip-agent/agent_go/internal/utils"
	"trip-agent/agent_go/pkg/agentstream"
)

// ExtractionFailure means no parsable structured result was found in the
// event sequence. RawText preserves the concatenated model text so the
// caller can surface it for diagnostics instead of dropping it.
type ExtractionFailure struct {
	RawText string
	Reason  string
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("no structured result extracted: %s", e.Reason)
}

// Extractor recovers a validated CostReport from a full agent event
// sequence. The agent may deliver the report through the finish tool or as
// free text; both paths are equally valid and produce identical results.
type Extractor struct {
	logger utils.ExtendedLogger
}

func NewExtractor(logger utils.ExtendedLogger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract applies the delivery paths in priority order: finish-tool
// payloads first, then the largest discriminator-bearing JSON object in
// the concatenated text.
func (e *Extractor) Extract(events []agentstream.Event) (*CostReport, error) {
	if report, ok := e.fromFinishTool(events); ok {
		e.logger.Debugf("cost report extracted from finish tool call")
		return report, nil
	}

	raw := agentstream.ConcatText(events)
	if report, ok := e.fromText(raw); ok {
		e.logger.Debugf("cost report extracted from free text - raw_len: %d", len(raw))
		return report, nil
	}

	return nil, &ExtractionFailure{
		RawText: raw,
		Reason:  "no finish tool call and no valid report object in text",
	}
}

// fromFinishTool scans for the designated finish tool in call or response
// position and parses its payload.
func (e *Extractor) fromFinishTool(events []agentstream.Event) (*CostReport, bool) {
	for _, ev := range events {
		var payload json.RawMessage
		switch t := ev.(type) {
		case agentstream.ToolCall:
			if t.Name == FinishToolName {
				payload = t.Args
			}
		case agentstream.ToolResponse:
			if t.Name == FinishToolName {
				payload = t.Result
			}
		}
		if len(payload) == 0 {
			continue
		}
		if report, err := parseReport(payload); err == nil {
			return report, true
		} else {
			e.logger.Warnf("finish tool payload did not parse: %v", err)
		}
	}
	return nil, false
}

// fromText cleans markdown artifacts and looks for the largest balanced
// JSON object that carries the report discriminator.
func (e *Extractor) fromText(text string) (*CostReport, bool) {
	cleaned := stripCodeFences(text)
	candidate, ok := largestJSONObject(cleaned, `"report_type"`)
	if !ok {
		return nil, false
	}
	report, err := parseReport(candidate)
	if err != nil {
		e.logger.Warnf("discriminator-bearing JSON object did not validate: %v", err)
		return nil, false
	}
	return report, true
}

func parseReport(payload json.RawMessage) (*CostReport, error) {
	var report CostReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	return &report, nil
}

// stripCodeFences unwraps ```json ... ``` blocks. Unlike general markdown
// cleanup this must not touch characters inside the JSON itself.
func stripCodeFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+3:]
		// skip language identifier up to the first newline
		if nl := strings.Index(rest, "\n"); nl != -1 && nl < 20 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end == -1 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:end])
		rest = rest[end+3:]
	}
	return out.String()
}

// largestJSONObject scans for balanced top-level JSON objects containing
// mustContain and returns the largest valid one.
func largestJSONObject(text, mustContain string) (json.RawMessage, bool) {
	var best string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := matchBrace(text, i)
		if !ok {
			continue
		}
		candidate := text[i : end+1]
		if len(candidate) <= len(best) {
			continue
		}
		if !strings.Contains(candidate, mustContain) {
			continue
		}
		if json.Valid([]byte(candidate)) {
			best = candidate
		}
	}
	if best == "" {
		return nil, false
	}
	return json.RawMessage(best), true
}

// matchBrace returns the index of the brace closing the object opened at
// start, honoring string literals and escapes.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
