package agent

import "github.com/google/uuid"

// DefaultMaxDepth bounds how many turns a run may take when the agent is not
// configured with an explicit limit.
const DefaultMaxDepth = 10

// TurnState tracks one run's position in the turn loop. States are immutable:
// NextTurn derives the successor and never modifies the receiver, so earlier
// states remain valid checkpoints and logs stay deterministic. Use
// NewTurnState rather than the zero value.
type TurnState struct {
	// TurnCounter counts completed turns, starting at zero.
	TurnCounter int `json:"turn_counter"`
	// TurnID identifies this turn.
	TurnID string `json:"turn_id"`
	// ParentTurnID is the preceding turn's id, empty on the first turn.
	ParentTurnID string `json:"parent_turn_id,omitempty"`
	// MaxDepth is the turn limit for the run.
	MaxDepth int `json:"max_depth"`
	// Compacted reports whether context was elided when this state was
	// derived from its parent.
	Compacted bool `json:"compacted"`
	// Metadata carries run-scoped annotations preserved across turns.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTurnState returns the starting state of a run. A negative maxDepth
// falls back to DefaultMaxDepth; zero is a real budget that admits the entry
// turn's model call but no tool continuation. The metadata map is copied.
func NewTurnState(maxDepth int, metadata map[string]any) TurnState {
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}
	return TurnState{
		TurnID:   uuid.NewString(),
		MaxDepth: maxDepth,
		Metadata: cloneMetadata(metadata),
	}
}

// NextTurn derives the state for the following turn: the counter advances, a
// fresh turn id is issued, and the current id becomes the parent. Max depth
// and metadata carry over unchanged.
func (s TurnState) NextTurn(compacted bool) TurnState {
	return TurnState{
		TurnCounter:  s.TurnCounter + 1,
		TurnID:       uuid.NewString(),
		ParentTurnID: s.TurnID,
		MaxDepth:     s.MaxDepth,
		Compacted:    compacted,
		Metadata:     cloneMetadata(s.Metadata),
	}
}

// Exhausted reports whether the run has consumed its turn budget.
func (s TurnState) Exhausted() bool {
	return s.TurnCounter >= s.MaxDepth
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
