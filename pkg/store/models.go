// Package store is the append-only, content-addressed persistence layer
// for trip scenarios. Cost line items are grouped per destination inside a
// versioned scenario; a new version is written only when the resulting
// record set actually differs from the latest one.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"trip-agent/agent_go/pkg/research"
)

// Scenario is the versioned container that owns a set of cost line items.
type Scenario struct {
	ScenarioID     string    `json:"scenario_id"`
	CurrentVersion int64     `json:"current_version"`
	CreatedAt      time.Time `json:"created_at"`
	TouchedAt      time.Time `json:"touched_at"`
}

// ScenarioVersion is an immutable snapshot of a scenario's full item set.
// Never mutated after creation.
type ScenarioVersion struct {
	ScenarioID  string                  `json:"scenario_id"`
	Version     int64                   `json:"version"`
	ContentHash string                  `json:"content_hash"`
	CreatedAt   time.Time               `json:"created_at"`
	Items       []research.CostLineItem `json:"items"`
}

// SaveOutcome reports what one Save call did.
type SaveOutcome struct {
	Saved      bool               `json:"saved"`
	Version    int64              `json:"version"`
	CostsSaved int                `json:"costs_saved"`
	TotalCosts map[string]float64 `json:"total_costs"`
}

// ErrSaveConflict indicates a concurrent writer won the version allocation
// race. Should not occur given per-scenario serialization; Save retries
// once internally when it does.
var ErrSaveConflict = errors.New("scenario version conflict")

// Store is the versioned persistence interface.
type Store interface {
	// Save merges items for one destination into the scenario and writes a
	// new version iff the merged set differs from the latest version.
	// Idempotent at the version level; repeated identical saves only touch
	// a timestamp. Callers may invoke it concurrently for different
	// destinations of the same scenario.
	Save(ctx context.Context, scenarioID, destinationID, destinationName string, items []research.CostLineItem) (*SaveOutcome, error)

	GetScenario(ctx context.Context, scenarioID string) (*Scenario, error)
	GetLatest(ctx context.Context, scenarioID string) (*ScenarioVersion, error)
	ListVersions(ctx context.Context, scenarioID string) ([]ScenarioVersion, error)

	// Rollup returns the cached category totals in normalized currency.
	// A derived cache, recomputable from the latest item set alone.
	Rollup(ctx context.Context, scenarioID string) (map[string]float64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ContentHash computes the order-independent hash of an item set: items
// are sorted by ID and serialized with fixed field order before hashing.
func ContentHash(items []research.CostLineItem) string {
	sorted := make([]research.CostLineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, item := range sorted {
		// Struct fields marshal in declaration order, so this is stable.
		data, _ := json.Marshal(item)
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MergeItems computes the candidate record set for a save: everything the
// latest version holds for other destinations, plus the incoming items.
func MergeItems(latest []research.CostLineItem, destinationID string, incoming []research.CostLineItem) []research.CostLineItem {
	merged := make([]research.CostLineItem, 0, len(latest)+len(incoming))
	for _, item := range latest {
		if item.DestinationID != destinationID {
			merged = append(merged, item)
		}
	}
	merged = append(merged, incoming...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

// RollupTotals recomputes category totals from an item set.
func RollupTotals(items []research.CostLineItem) map[string]float64 {
	totals := make(map[string]float64)
	for _, item := range items {
		totals[item.Category] += item.AmountUSD
	}
	return totals
}
