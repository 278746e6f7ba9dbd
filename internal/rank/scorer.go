package rank

import "jobapply-engine/internal/domain"

// Scorer maps a posting and a profile to a match verdict. Implementations
// must be pure: identical inputs give identical results, and they never fail.
type Scorer interface {
	Score(p domain.Posting, prof domain.Profile) domain.MatchResult
}
