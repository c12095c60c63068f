package classify

import "context"

// Categories a change can be filed under. The local heuristic only ever
// produces the first three; the remote analyzer may use the full set.
const (
	CategoryContent   = "content"
	CategoryDesign    = "design"
	CategoryTechnical = "technical"
	CategoryCommerce  = "commerce"
	CategoryNews      = "news"
)

// Importance levels, ordered low < medium < high.
const (
	ImportanceLow    = "low"
	ImportanceMedium = "medium"
	ImportanceHigh   = "high"
)

// ImportanceRank maps an importance level to its ordering; unknown levels rank
// lowest.
func ImportanceRank(importance string) int {
	switch importance {
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	default:
		return 0
	}
}

func validCategory(c string) bool {
	switch c {
	case CategoryContent, CategoryDesign, CategoryTechnical, CategoryCommerce, CategoryNews:
		return true
	}
	return false
}

func validImportance(i string) bool {
	return ImportanceRank(i) > 0
}

// Input is the change summary handed to an analyzer. Diff is already
// truncated upstream; analyzers never see full page text.
type Input struct {
	SiteName string
	URL      string
	Diff     string
	OldLen   int
	NewLen   int
	// UserContext is a short free-form description of the receiving user's
	// interests, forwarded to the remote analyzer for personalization.
	UserContext string
}

// Analysis is the classification of one change.
type Analysis struct {
	Category   string
	Importance string
	// Score is the analyzer's own confidence-weighted relevance in [0, 1];
	// the preference model combines it with per-user weights.
	Score        float64
	Summary      string
	KeyAspects   []string
	ShouldNotify bool
	Reasoning    string
}

// Analyzer classifies a detected change.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Analysis, error)
}
