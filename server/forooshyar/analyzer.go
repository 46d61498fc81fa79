package forooshyar

import "context"

// AnalyzeResult is the outcome of one entity's analysis pass. A result with
// Success == false is an analyzer-level failure (e.g. the LLM declined or
// returned garbage), distinct from a returned error which signals a fault
// in the call itself. Both are counted as a failed unit of work.
type AnalyzeResult struct {
	Success bool `json:"success"`
	// CreatedActions is how many derived work items (suggestions turned
	// into pending actions) the analysis emitted for this entity.
	CreatedActions int    `json:"created_actions"`
	Error          string `json:"error,omitempty"`
}

// Analyzer performs one unit of work for a single entity class. Supplied by
// the embedding application; the engine is agnostic to what "analysis"
// actually does (typically an LLM call plus persisting suggestions).
// Implementations are expected to enforce their own call timeouts.
type Analyzer interface {
	// EntityKind is the entity class this analyzer covers.
	EntityKind() EntityKind

	// GetEntities returns up to limit entity ids eligible for analysis, in
	// the order they should be processed.
	GetEntities(ctx context.Context, limit int) ([]uint, error)

	// AnalyzeEntity performs the analysis for a single entity.
	AnalyzeEntity(ctx context.Context, id uint) (*AnalyzeResult, error)
}

// Action is a derived work item produced by an analysis pass, e.g. a
// suggested product description update awaiting review.
type Action struct {
	ID       uint   `json:"id"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
}

// ActionExecutor applies derived actions. Used by the engine's completion
// side effects to auto-execute high-priority actions up to a configured
// cap.
type ActionExecutor interface {
	// PendingActions lists pending actions with priority >= minPriority, up
	// to limit, highest priority first.
	PendingActions(ctx context.Context, minPriority, limit int) ([]Action, error)

	// ExecuteAction applies a single pending action.
	ExecuteAction(ctx context.Context, id uint) error
}
