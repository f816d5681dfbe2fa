package types

import "github.com/google/uuid"

// RunItemState is the per (entity, capability) state machine driven by an
// enrichment run: Pending -> Fetching -> {Resolved, NeedsManualResearch,
// SkippedCircuitOpen}. Terminal states are persisted so a partially
// completed run resumes predictably.
type RunItemState string

const (
	RunPending             RunItemState = "pending"
	RunFetching            RunItemState = "fetching"
	RunResolved            RunItemState = "resolved"
	RunNeedsManualResearch RunItemState = "needs_manual_research"
	RunSkippedCircuitOpen  RunItemState = "skipped_circuit_open"
)

// RunItem is one unit of work in an enrichment run.
type RunItem struct {
	EntityID uuid.UUID
	Slug     string
	State    RunItemState
}

// RunSummary is the orchestrator's return value for one enrichment run.
// A single entity's failure never aborts a batch; it lands in one of
// these counters instead.
type RunSummary struct {
	Capability           Capability `json:"capability"`
	Succeeded            int        `json:"succeeded"`
	ManualResearchQueued int        `json:"manual_research_queued"`
	CircuitSkipped       int        `json:"circuit_skipped"`
	Failed               int        `json:"failed"` // Resolver or storage errors, logged and skipped
	DurationMs           int64      `json:"duration_ms"`
}
