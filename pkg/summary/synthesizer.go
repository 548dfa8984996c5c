// Package summary turns a persisted cost report into a short natural
// language description via a second, tool-free agent turn. It runs
// strictly after the save has committed and never touches persistence;
// when the LLM call fails the caller falls back to a templated sentence.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"trip-agent/agent_go/internal/utils"
	"trip-agent/agent_go/pkg/research"
	"trip-agent/agent_go/pkg/store"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
)

// SynthesisFailure is the non-fatal error for a failed summary turn.
type SynthesisFailure struct {
	Err error
}

func (e *SynthesisFailure) Error() string {
	return fmt.Sprintf("summary synthesis failed: %v", e.Err)
}

func (e *SynthesisFailure) Unwrap() error {
	return e.Err
}

const systemPrompt = "You are a travel assistant. Given a JSON cost report for a destination, " +
	"write a short, friendly 2-3 sentence summary of the expected costs. " +
	"Mention the overall total and the one or two largest categories. Plain text only."

// Synthesizer produces summaries through a langchaingo model.
type Synthesizer struct {
	model       llms.Model
	temperature float64
	maxTokens   int
	tokenBudget int
	logger      utils.ExtendedLogger
}

// NewSynthesizer creates a synthesizer. tokenBudget caps how much of the
// embedded report survives prompt construction; <= 0 selects 4000.
func NewSynthesizer(model llms.Model, temperature float64, tokenBudget int, logger utils.ExtendedLogger) *Synthesizer {
	if tokenBudget <= 0 {
		tokenBudget = 4000
	}
	return &Synthesizer{
		model:       model,
		temperature: temperature,
		maxTokens:   512,
		tokenBudget: tokenBudget,
		logger:      logger,
	}
}

// Synthesize runs the summary turn with the report JSON embedded verbatim
// (token-budget permitting). No tools are offered on this turn.
func (s *Synthesizer) Synthesize(ctx context.Context, reportJSON string, outcome *store.SaveOutcome) (string, error) {
	prompt := s.buildPrompt(reportJSON, outcome)

	resp, err := s.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		},
		llms.WithTemperature(s.temperature),
		llms.WithMaxTokens(s.maxTokens),
	)
	if err != nil {
		return "", &SynthesisFailure{Err: err}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", &SynthesisFailure{Err: fmt.Errorf("model returned no content")}
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	s.logger.Debugf("summary synthesized - chars: %d", len(text))
	return text, nil
}

func (s *Synthesizer) buildPrompt(reportJSON string, outcome *store.SaveOutcome) string {
	var b strings.Builder
	b.WriteString("Cost report JSON:\n")
	b.WriteString(s.truncateToBudget(reportJSON))
	if outcome != nil {
		fmt.Fprintf(&b, "\n\nThe report was saved as scenario version %d with %d cost items.", outcome.Version, outcome.CostsSaved)
	}
	return b.String()
}

// truncateToBudget trims the embedded report to the token budget so an
// oversized report cannot blow the prompt. Uses cl100k_base, which is a
// close enough approximation across providers.
func (s *Synthesizer) truncateToBudget(text string) string {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Encoding data may be unavailable offline; fall back to the
		// usual ~4 chars per token approximation.
		s.logger.Warnf("token encoding unavailable, using character budget: %v", err)
		if limit := s.tokenBudget * 4; len(text) > limit {
			return text[:limit]
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= s.tokenBudget {
		return text
	}
	s.logger.Warnf("report truncated for summary prompt - tokens: %d, budget: %d", len(tokens), s.tokenBudget)
	return enc.Decode(tokens[:s.tokenBudget])
}

// FallbackText builds the templated description used when synthesis
// fails. Derived entirely from already-persisted data.
func FallbackText(report *research.CostReport, outcome *store.SaveOutcome) string {
	if report == nil {
		return "Research results were saved."
	}
	var total float64
	for _, est := range report.Estimates {
		total += est.AmountUSD
	}
	categories := make([]string, 0, len(report.Estimates))
	for _, est := range report.Estimates {
		categories = append(categories, est.Category)
	}
	sort.Strings(categories)

	text := fmt.Sprintf("Estimated costs for %s total $%.0f across %s.",
		report.DestinationName, total, strings.Join(categories, ", "))
	if outcome != nil && outcome.Saved {
		text += fmt.Sprintf(" Saved as version %d.", outcome.Version)
	}
	return text
}
