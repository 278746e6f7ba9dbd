package rank

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/textutil"
)

const (
	weightRequired   = 0.50
	weightOverlap    = 0.20
	weightExperience = 0.15
	weightEducation  = 0.15
)

// commonSkills is the vocabulary used to find skills a posting asks for.
var commonSkills = []string{
	"python", "javascript", "typescript", "java", "c++", "c#", "go", "golang", "rust", "react",
	"angular", "vue", "node.js", "express", "django", "flask", "fastapi",
	"aws", "azure", "gcp", "docker", "kubernetes", "terraform", "git",
	"jenkins", "circleci", "github actions", "jira", "confluence", "agile",
	"scrum", "kanban", "sql", "nosql", "mongodb", "postgresql", "mysql",
	"oracle", "redis", "kafka", "rabbitmq", "machine learning", "ai",
	"deep learning", "data science", "data analysis", "tableau", "power bi",
	"excel", "product management", "project management",
}

// everydaySkills are skill names that are also ordinary English words. They
// count through an unambiguous alias, or as a proper noun in the raw text.
var everydaySkills = map[string]struct {
	proper  string
	aliases []string
}{
	"go":      {proper: "Go", aliases: []string{"golang"}},
	"excel":   {proper: "Excel", aliases: []string{"ms excel", "microsoft excel"}},
	"express": {proper: "Express", aliases: []string{"express.js", "expressjs"}},
}

var yearPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+)\+?\s*(?:years|yrs|yr)(?:\s*of)?\s*(?:experience|work)`),
	regexp.MustCompile(`(?i)(?:experience|work)(?:\s*of)?\s*(\d+)\+?\s*(?:years|yrs|yr)`),
	regexp.MustCompile(`(?i)minimum\s*(?:of)?\s*(\d+)\+?\s*(?:years|yrs|yr)`),
	regexp.MustCompile(`(?i)at\s*least\s*(\d+)\+?\s*(?:years|yrs|yr)`),
}

type eduLevel struct {
	term  string
	level int
}

var educationLevels = []eduLevel{
	{"phd", 4}, {"ph.d", 4}, {"doctorate", 4},
	{"master", 3}, {"masters", 3}, {"ms", 3}, {"m.s.", 3}, {"m.a.", 3}, {"mba", 3}, {"m.b.a.", 3},
	{"bachelor", 2}, {"bachelors", 2}, {"bs", 2}, {"b.s.", 2}, {"ba", 2}, {"b.a.", 2},
	{"associate", 1}, {"a.a.", 1}, {"a.s.", 1},
}

// Matcher scores postings against the candidate profile with a weighted blend
// of required skills, skill overlap, experience and education, then applies
// configured rule points. Components the posting does not state count as met.
type Matcher struct {
	Rules Rules
}

var _ Scorer = Matcher{}

func (m Matcher) Score(p domain.Posting, prof domain.Profile) domain.MatchResult {
	res := domain.MatchResult{PostingID: p.ID, MatchedSkills: []string{}}

	raw := p.Title + "\n" + p.DescriptionText
	if !utf8.ValidString(raw) {
		res.Rationale = "degraded: posting text is not valid UTF-8"
		return res
	}
	if strings.TrimSpace(p.DescriptionText) == "" {
		res.Rationale = "degraded: posting has no description text"
		return res
	}

	text := lower(raw)
	title := lower(p.Title)

	candidate := skillSet(prof.Skills, prof.RequiredSkills)
	var matched []string
	for _, s := range candidate {
		if hasSkill(raw, text, s) {
			matched = append(matched, s)
		}
	}

	// required skills
	required := skillSet(prof.RequiredSkills)
	reqScore := 1.0
	reqHit := 0
	if len(required) > 0 {
		for _, s := range required {
			if hasSkill(raw, text, s) {
				reqHit++
			}
		}
		reqScore = float64(reqHit) / float64(len(required))
	}

	// overlap with what the posting asks for
	asked := map[string]bool{}
	for _, s := range skillSet(commonSkills, candidate) {
		if hasSkill(raw, text, s) {
			asked[s] = true
		}
	}
	overlapScore := 0.5
	if len(asked) > 0 {
		overlapScore = float64(countHits(candidate, asked)) / float64(len(asked))
	}

	needYears := requiredYears(raw)
	expScore := experienceScore(prof.YearsExperience, needYears)

	needEdu := requiredEducation(text)
	haveEdu := candidateEducation(prof.Education)
	eduScore := educationScore(haveEdu, needEdu)

	base := 100 * (weightRequired*reqScore + weightOverlap*overlapScore +
		weightExperience*expScore + weightEducation*eduScore)
	bonus, tags := m.Rules.apply(title, text)

	total := int(math.Round(base)) + bonus
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	sort.Strings(matched)
	if matched != nil {
		res.MatchedSkills = matched
	}
	res.Score = total

	parts := []string{
		fmt.Sprintf("required %d/%d", reqHit, len(required)),
		fmt.Sprintf("skills %d/%d", countHits(candidate, asked), len(asked)),
	}
	if needYears > 0 {
		parts = append(parts, fmt.Sprintf("experience %.0fy of %dy", prof.YearsExperience, needYears))
	} else {
		parts = append(parts, "experience unstated")
	}
	if needEdu > 0 {
		parts = append(parts, fmt.Sprintf("education level %d of %d", haveEdu, needEdu))
	} else {
		parts = append(parts, "education unstated")
	}
	if bonus != 0 {
		parts = append(parts, fmt.Sprintf("rules %+d (%s)", bonus, strings.Join(tags, ",")))
	}
	res.Rationale = strings.Join(parts, "; ")
	return res
}

func countHits(candidate []string, asked map[string]bool) int {
	n := 0
	for _, s := range candidate {
		if asked[s] {
			n++
		}
	}
	return n
}

func requiredYears(text string) int {
	for _, re := range yearPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func experienceScore(have float64, need int) float64 {
	if need <= 0 {
		return 1
	}
	req := float64(need)
	switch {
	case have >= req*1.5:
		return 1
	case have >= req:
		return 0.8 + 0.2*(have-req)/(req*0.5)
	default:
		return math.Min(0.8, have/req)
	}
}

func requiredEducation(text string) int {
	level := 0
	for _, e := range educationLevels {
		if e.level > level && containsTerm(text, e.term) {
			level = e.level
		}
	}
	return level
}

func candidateEducation(eds []domain.Education) int {
	level := 0
	for _, ed := range eds {
		degree := lower(ed.Degree)
		for _, e := range educationLevels {
			if e.level > level && containsTerm(degree, e.term) {
				level = e.level
			}
		}
	}
	return level
}

func educationScore(have, need int) float64 {
	switch {
	case need == 0, have >= need:
		return 1
	case have == need-1:
		return 0.7
	case have > 0:
		return 0.4
	default:
		return 0
	}
}

// skillSet lower-cases, trims and de-duplicates skill lists, keeping order.
func skillSet(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, s := range l {
			s = lower(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func lower(s string) string { return strings.ToLower(s) }

func containsTerm(text, term string) bool { return textutil.ContainsTerm(text, term) }

// hasSkill reports whether the posting mentions skill. text is the lower-cased
// form of raw.
func hasSkill(raw, text, skill string) bool {
	e, ok := everydaySkills[skill]
	if !ok {
		return containsTerm(text, skill)
	}
	for _, a := range e.aliases {
		if containsTerm(text, a) {
			return true
		}
	}
	return properNoun(raw, e.proper)
}

// properNoun reports whether word occurs in raw with its exact casing, as a
// whole word that is not hyphen-joined. Opening a sentence it only counts when
// the next word is not lower case, so "Go above and beyond" is no match.
func properNoun(raw, word string) bool {
	for i := 0; i < len(raw); {
		j := strings.Index(raw[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		i = start + 1

		if r, _ := utf8.DecodeLastRuneInString(raw[:start]); start > 0 && wordJoined(r) {
			continue
		}
		if r, _ := utf8.DecodeRuneInString(raw[end:]); end < len(raw) && wordJoined(r) {
			continue
		}
		if sentenceStart(raw[:start]) && nextWordLower(raw[end:]) {
			continue
		}
		return true
	}
	return false
}

func wordJoined(r rune) bool {
	return r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func sentenceStart(before string) bool {
	before = strings.TrimRightFunc(before, unicode.IsSpace)
	if before == "" {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(before)
	return r == '.' || r == '!' || r == '?'
}

func nextWordLower(after string) bool {
	after = strings.TrimLeftFunc(after, unicode.IsSpace)
	r, _ := utf8.DecodeRuneInString(after)
	return unicode.IsLower(r)
}
