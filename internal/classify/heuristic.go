package classify

import (
	"context"
	"fmt"
)

// Heuristic is the always-available local analyzer. It grades a change by the
// size of its diff: large rewrites are treated as content changes, mid-size
// ones as design tweaks, small ones as technical noise. It never errors, which
// makes it the terminal fallback.
type Heuristic struct{}

func NewHeuristic() Heuristic { return Heuristic{} }

func (Heuristic) Analyze(_ context.Context, in Input) (Analysis, error) {
	size := len([]rune(in.Diff))

	var (
		category   string
		importance string
		score      float64
	)
	switch {
	case size > 2000:
		category, importance, score = CategoryContent, ImportanceHigh, 0.8
	case size > 500:
		category, importance, score = CategoryDesign, ImportanceMedium, 0.5
	default:
		category, importance, score = CategoryTechnical, ImportanceLow, 0.3
	}

	return Analysis{
		Category:     category,
		Importance:   importance,
		Score:        score,
		Summary:      fmt.Sprintf("%s change detected (%d chars of diff)", category, size),
		ShouldNotify: true,
		Reasoning:    "size-based heuristic",
	}, nil
}
