package domain

// MatchResult is the scorer's verdict for one posting. It is not persisted
// beyond the posting's last score.
type MatchResult struct {
	PostingID     int64    `json:"postingId"`
	Score         int      `json:"score"`
	MatchedSkills []string `json:"matchedSkills"`
	Rationale     string   `json:"rationale"`
}
