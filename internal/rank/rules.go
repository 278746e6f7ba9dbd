// engine/internal/rank/rules.go
package rank

import (
	"jobapply-engine/internal/config"
)

// Rules are the configured title/keyword bonuses and penalties, applied on
// top of the profile match as flat points.
type Rules struct {
	TitleRules   []config.Rule
	KeywordRules []config.Rule
	Penalties    []config.Penalty
}

func RulesFromConfig(cfg config.Config) Rules {
	return Rules{
		TitleRules:   cfg.Scoring.TitleRules,
		KeywordRules: cfg.Scoring.KeywordRules,
		Penalties:    cfg.Scoring.Penalties,
	}
}

// apply returns the point adjustment and the tags/reasons that fired.
// title and text must already be lower-cased.
func (r Rules) apply(title, text string) (int, []string) {
	score := 0
	var tags []string

	applyRules := func(haystack string, rules []config.Rule) {
		for _, rule := range rules {
			for _, needle := range rule.Any {
				if containsTerm(haystack, lower(needle)) {
					score += rule.Weight
					tags = append(tags, rule.Tag)
					break
				}
			}
		}
	}

	applyRules(title, r.TitleRules)
	applyRules(text, r.KeywordRules)

	for _, p := range r.Penalties {
		for _, needle := range p.Any {
			if containsTerm(text, lower(needle)) {
				score += p.Weight
				tags = append(tags, "-"+p.Reason)
				break
			}
		}
	}

	return score, uniq(tags)
}

func uniq(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
