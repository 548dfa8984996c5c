// Package research defines the schema-validated cost report the agent must
// produce, the deterministic transform into persistable line items, and the
// extractor that recovers a report from a raw agent event sequence.
package research

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// ReportType is the discriminator value every valid cost report carries.
const ReportType = "destination_cost_report"

// FinishToolName is the designated finish tool. The agent is expected to
// deliver its report through this tool, but extraction must not rely on it.
const FinishToolName = "submit_cost_report"

// CostEstimate is one per-category estimate inside a report.
type CostEstimate struct {
	Category    string  `json:"category" jsonschema:"required,description=Cost category such as flights or accommodation"`
	Description string  `json:"description,omitempty"`
	AmountLocal float64 `json:"amount_local" jsonschema:"required"`
	Currency    string  `json:"currency" jsonschema:"required,description=ISO 4217 code of the local currency"`
	AmountUSD   float64 `json:"amount_usd" jsonschema:"required,description=Amount normalized to USD"`
	Source      string  `json:"source,omitempty"`
}

// CostReport is the structured result of one research request. Constructed
// once by the extractor and immutable afterward.
type CostReport struct {
	ReportType      string         `json:"report_type" jsonschema:"required,description=Must be destination_cost_report"`
	DestinationName string         `json:"destination_name" jsonschema:"required"`
	Estimates       []CostEstimate `json:"estimates" jsonschema:"required"`
	Confidence      float64        `json:"confidence,omitempty" jsonschema:"description=Overall confidence between 0 and 1"`
	Citations       []string       `json:"citations,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at,omitempty"`
}

// Validate checks the invariants the schema cannot express on its own.
func (r *CostReport) Validate() error {
	if r.ReportType != ReportType {
		return fmt.Errorf("unexpected report_type %q", r.ReportType)
	}
	if strings.TrimSpace(r.DestinationName) == "" {
		return fmt.Errorf("destination_name is empty")
	}
	if len(r.Estimates) == 0 {
		return fmt.Errorf("report has no estimates")
	}
	for i, est := range r.Estimates {
		if strings.TrimSpace(est.Category) == "" {
			return fmt.Errorf("estimate %d has no category", i)
		}
	}
	return nil
}

// Schema returns the JSON schema for CostReport, used both to constrain
// structured-output turns and as the finish tool's input schema.
func Schema() json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&CostReport{})
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection over our own static type cannot fail at runtime.
		panic(fmt.Sprintf("cost report schema: %v", err))
	}
	return data
}

// CostLineItem is one derived persistable record. Its ID is deterministic
// so re-saving the same category for the same destination overwrites
// instead of duplicating.
type CostLineItem struct {
	ID            string  `json:"id"`
	DestinationID string  `json:"destination_id"`
	Category      string  `json:"category"`
	Description   string  `json:"description,omitempty"`
	AmountLocal   float64 `json:"amount_local"`
	Currency      string  `json:"currency"`
	AmountUSD     float64 `json:"amount_usd"`
	Status        string  `json:"status"`
	Source        string  `json:"source"`
}

// LineItemStatus values.
const (
	StatusEstimated = "estimated"
	StatusConfirmed = "confirmed"
)

// SourceAgent tags records produced by agent research.
const SourceAgent = "agent_research"

// LineItems converts a report into its persistable records. The transform
// is deterministic: identical reports for the same destination always yield
// identical items, including IDs.
func LineItems(report *CostReport, destinationID, destinationName string) []CostLineItem {
	items := make([]CostLineItem, 0, len(report.Estimates))
	for _, est := range report.Estimates {
		items = append(items, CostLineItem{
			ID:            LineItemID(destinationID, est.Category, destinationName),
			DestinationID: destinationID,
			Category:      normalizeCategory(est.Category),
			Description:   est.Description,
			AmountLocal:   est.AmountLocal,
			Currency:      strings.ToUpper(strings.TrimSpace(est.Currency)),
			AmountUSD:     est.AmountUSD,
			Status:        StatusEstimated,
			Source:        SourceAgent,
		})
	}
	return items
}

// LineItemID derives the stable identifier for a (destination, category)
// pair. The destination name participates after normalization so renames
// that only change casing or spacing keep the same identity.
func LineItemID(destinationID, category, destinationName string) string {
	key := destinationID + "|" + normalizeCategory(category) + "|" + normalizeName(destinationName)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
