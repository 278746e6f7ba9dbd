package rank

import (
	"reflect"
	"strings"
	"testing"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/domain"
)

func TestScoreRequiredSkillScenario(t *testing.T) {
	t.Parallel()

	p := domain.Posting{
		ID:              7,
		SourceSite:      "indeed",
		ExternalID:      "123",
		Title:           "Senior Engineer",
		DescriptionText: "Python developer",
	}
	prof := domain.Profile{RequiredSkills: []string{"python"}}

	res := Matcher{}.Score(p, prof)
	if res.Score < 60 {
		t.Fatalf("expected score above default threshold, got %d (%s)", res.Score, res.Rationale)
	}
	if !reflect.DeepEqual(res.MatchedSkills, []string{"python"}) {
		t.Fatalf("matched skills = %v", res.MatchedSkills)
	}
	if res.PostingID != 7 {
		t.Fatalf("posting id = %d", res.PostingID)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()

	p := domain.Posting{
		Title:           "Backend Engineer (Go)",
		DescriptionText: "We need 5+ years of experience with Go, Kubernetes, AWS and PostgreSQL. Bachelor's degree preferred.",
	}
	prof := domain.Profile{
		Skills:          []string{"Kubernetes", "go", "aws", "terraform"},
		RequiredSkills:  []string{"go"},
		YearsExperience: 4,
		Education:       []domain.Education{{Degree: "Bachelor of Science"}},
	}
	m := Matcher{Rules: Rules{KeywordRules: []config.Rule{{Tag: "golang", Weight: 5, Any: []string{"go"}}}}}

	first := m.Score(p, prof)
	for i := 0; i < 20; i++ {
		if got := m.Score(p, prof); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
	if !reflect.DeepEqual(first.MatchedSkills, []string{"aws", "go", "kubernetes"}) {
		t.Fatalf("matched skills = %v", first.MatchedSkills)
	}
}

func TestScoreDegradedInputIsZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		p    domain.Posting
	}{
		{"empty description", domain.Posting{Title: "Engineer"}},
		{"invalid utf8", domain.Posting{Title: "Engineer", DescriptionText: "python \xff\xfe"}},
	}
	for _, tc := range cases {
		res := Matcher{}.Score(tc.p, domain.Profile{RequiredSkills: []string{"python"}})
		if res.Score != 0 {
			t.Fatalf("%s: score = %d", tc.name, res.Score)
		}
		if !strings.HasPrefix(res.Rationale, "degraded") {
			t.Fatalf("%s: rationale = %q", tc.name, res.Rationale)
		}
	}
}

func TestScoreMissingRequiredSkillDropsScore(t *testing.T) {
	t.Parallel()

	p := domain.Posting{Title: "Engineer", DescriptionText: "Java and Spring shop"}
	hit := Matcher{}.Score(p, domain.Profile{RequiredSkills: []string{"java"}, Skills: []string{"java"}})
	miss := Matcher{}.Score(p, domain.Profile{RequiredSkills: []string{"python"}, Skills: []string{"python"}})
	if miss.Score >= hit.Score {
		t.Fatalf("missing required skill should score lower: hit=%d miss=%d", hit.Score, miss.Score)
	}
}

func TestScoreRulesClampToRange(t *testing.T) {
	t.Parallel()

	p := domain.Posting{Title: "Engineer", DescriptionText: "Requires active security clearance"}
	m := Matcher{Rules: Rules{Penalties: []config.Penalty{{Reason: "clearance", Weight: -500, Any: []string{"security clearance"}}}}}
	res := m.Score(p, domain.Profile{})
	if res.Score != 0 {
		t.Fatalf("score should clamp at 0, got %d", res.Score)
	}
	if !strings.Contains(res.Rationale, "-clearance") {
		t.Fatalf("rationale should name the penalty: %q", res.Rationale)
	}
}

func TestExperienceAndEducation(t *testing.T) {
	t.Parallel()

	if got := requiredYears("Minimum of 7 years in industry"); got != 7 {
		t.Fatalf("requiredYears = %d", got)
	}
	if got := requiredYears("no numbers here"); got != 0 {
		t.Fatalf("requiredYears = %d", got)
	}
	if got := experienceScore(3, 6); got != 0.5 {
		t.Fatalf("experienceScore(3,6) = %v", got)
	}
	if got := experienceScore(9, 6); got != 1 {
		t.Fatalf("experienceScore(9,6) = %v", got)
	}
	if got := requiredEducation("master's degree or phd"); got != 4 {
		t.Fatalf("requiredEducation = %d", got)
	}
	if got := educationScore(2, 3); got != 0.7 {
		t.Fatalf("educationScore(2,3) = %v", got)
	}
}

func TestEverydayWordsAreNotSkills(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want bool
	}{
		{"You will be the go-to person for releases.", false},
		{"We shipped it a year ago.", false},
		{"Go above and beyond for customers.", false},
		{"Ready to go live with new markets.", false},
		{"Services are written in Go and deployed on AWS.", true},
		{"Experience with golang microservices.", true},
		{"Go, Kubernetes and PostgreSQL in production.", true},
		{"Stack: Go/Rust.", true},
		{"You will excel in a fast-paced team.", false},
		{"Advanced Excel and SQL.", true},
	}
	for _, tc := range cases {
		skill := "go"
		if strings.Contains(strings.ToLower(tc.text), "excel") {
			skill = "excel"
		}
		if got := hasSkill(tc.text, strings.ToLower(tc.text), skill); got != tc.want {
			t.Errorf("hasSkill(%q, %s) = %v, want %v", tc.text, skill, got, tc.want)
		}
	}
}

func TestGoToDoesNotInflateScore(t *testing.T) {
	t.Parallel()

	prof := domain.Profile{Skills: []string{"go"}}
	plain := domain.Posting{Title: "Account Manager", DescriptionText: "Be the go-to contact for clients. Go above and beyond."}
	res := Matcher{}.Score(plain, prof)
	if len(res.MatchedSkills) != 0 {
		t.Fatalf("matched skills = %v, want none", res.MatchedSkills)
	}
}
