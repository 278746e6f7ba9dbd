package navigator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/textutil"
)

type valueRule struct {
	terms []string
	value func(FillInput) string
}

func firstSkills(p domain.Profile, n int) string {
	if len(p.Skills) < n {
		n = len(p.Skills)
	}
	return strings.Join(p.Skills[:n], ", ")
}

func years(p domain.Profile) string {
	return strconv.Itoa(int(p.YearsExperience))
}

func additionalInfo(in FillInput) string {
	return fmt.Sprintf("I have %s years of experience in software development with expertise in %s.",
		years(in.Profile), firstSkills(in.Profile, 5))
}

func locationPart(loc string, last bool) string {
	parts := strings.Split(loc, ",")
	if len(parts) < 2 {
		return ""
	}
	if last {
		return strings.TrimSpace(parts[len(parts)-1])
	}
	return strings.TrimSpace(parts[0])
}

// valueRules are matched in order against the lower-cased label and
// humanized name, so more specific terms come first.
var valueRules = []valueRule{
	{[]string{"email", "e-mail"}, func(in FillInput) string { return in.Profile.Email }},
	{[]string{"phone", "mobile", "telephone"}, func(in FillInput) string { return in.Profile.Phone }},
	{[]string{"linkedin", "linked in"}, func(in FillInput) string { return in.Profile.LinkedIn }},
	{[]string{"github", "git hub"}, func(in FillInput) string { return in.Profile.GitHub }},
	{[]string{"website", "portfolio"}, func(in FillInput) string { return in.Profile.GitHub }},
	{[]string{"first name", "given name", "firstname"}, func(in FillInput) string { return in.Profile.FirstName() }},
	{[]string{"last name", "family name", "surname", "lastname"}, func(in FillInput) string { return in.Profile.LastName() }},
	{[]string{"current company", "employer", "company", "organization", "org"}, func(in FillInput) string { return in.Profile.CurrentCompany }},
	{[]string{"full name", "name"}, func(in FillInput) string { return in.Profile.Name }},
	{[]string{"city"}, func(in FillInput) string { return locationPart(in.Profile.Location, false) }},
	{[]string{"location", "address"}, func(in FillInput) string { return in.Profile.Location }},
	{[]string{"years of experience", "experience"}, func(in FillInput) string { return years(in.Profile) }},
	{[]string{"degree", "education"}, func(in FillInput) string {
		if len(in.Profile.Education) == 0 {
			return ""
		}
		return in.Profile.Education[0].Degree
	}},
	{[]string{"skills"}, func(in FillInput) string { return firstSkills(in.Profile, 10) }},
	{[]string{"cover letter", "comments", "additional information", "anything else"}, func(in FillInput) string { return in.CoverLetter }},
}

// defaultAnswers cover common screening questions the profile does not answer.
var defaultAnswers = []struct {
	terms []string
	value string
}{
	{[]string{"salary"}, "Negotiable"},
	{[]string{"start date"}, "Immediate"},
	{[]string{"availability", "notice period"}, "2 weeks notice"},
	{[]string{"relocate"}, "No"},
	{[]string{"sponsorship", "visa"}, "No"},
	{[]string{"authorized to work", "work authorization", "legally authorized"}, "Yes"},
	{[]string{"hear about", "how did you hear", "source"}, "Job board"},
	{[]string{"reference", "references"}, "Available upon request"},
}

// mapValues computes a value for every form field it can. fixed values keyed
// by field name win over everything else.
func mapValues(form Form, in FillInput, fixed map[string]func(FillInput) string) ([]domain.FieldValue, error) {
	var (
		out     []domain.FieldValue
		missing []string
	)
	for _, f := range form.Fields {
		v := valueFor(f, in, fixed)
		if v == "" {
			if f.Required {
				missing = append(missing, f.Label)
			}
			continue
		}
		out = append(out, domain.FieldValue{Name: f.Name, Label: f.Label, Kind: string(f.Kind), Value: v})
	}
	if len(missing) > 0 {
		return out, &MissingFieldsError{Fields: missing}
	}
	return out, nil
}

func valueFor(f Field, in FillInput, fixed map[string]func(FillInput) string) string {
	key := strings.TrimPrefix(f.Selector, "#")
	if fn, ok := fixed[f.Name]; ok {
		return pickOption(f, fn(in))
	}
	if fn, ok := fixed[key]; ok {
		return pickOption(f, fn(in))
	}

	hay := strings.ToLower(f.Label + " " + textutil.Humanize(f.Name))

	if f.Kind == KindFile {
		if textutil.ContainsAny(hay, "cover", "letter") {
			return ""
		}
		return in.Profile.ResumePath
	}

	// profile answers override built-in mappings
	for _, a := range sortedAnswers(in.Profile.Answers) {
		if textutil.ContainsTerm(hay, a.key) {
			return pickOption(f, a.value)
		}
	}

	for _, r := range valueRules {
		if textutil.ContainsAny(hay, r.terms...) {
			if v := r.value(in); v != "" {
				return pickOption(f, v)
			}
		}
	}
	for _, d := range defaultAnswers {
		if textutil.ContainsAny(hay, d.terms...) {
			return pickOption(f, d.value)
		}
	}

	switch f.Kind {
	case KindTextarea:
		return additionalInfo(in)
	case KindCheckbox:
		// consent boxes
		if f.Required && len(f.Options) > 0 {
			return f.Options[0]
		}
	case KindSelect, KindRadio:
		if f.Required && len(f.Options) > 0 {
			return f.Options[0]
		}
	}
	return ""
}

// pickOption maps v onto one of the field's options when it has any.
func pickOption(f Field, v string) string {
	if v == "" || len(f.Options) == 0 {
		return v
	}
	lv := strings.ToLower(v)
	if f.Kind == KindCheckbox {
		switch lv {
		case "yes", "true", "on", strings.ToLower(f.Options[0]):
			return f.Options[0]
		}
		return ""
	}
	for _, o := range f.Options {
		if strings.ToLower(o) == lv {
			return o
		}
	}
	for _, o := range f.Options {
		lo := strings.ToLower(o)
		if strings.Contains(lo, lv) || strings.Contains(lv, lo) {
			return o
		}
	}
	if f.Required {
		return f.Options[0]
	}
	return ""
}

type answer struct {
	key, value string
}

// sortedAnswers returns profile answers longest key first, so that specific
// questions win over general ones and iteration is deterministic.
func sortedAnswers(m map[string]string) []answer {
	out := make([]answer, 0, len(m))
	for k, v := range m {
		key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(k, "_", " ")))
		if key == "" || v == "" {
			continue
		}
		out = append(out, answer{key: key, value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].key) != len(out[j].key) {
			return len(out[i].key) > len(out[j].key)
		}
		return out[i].key < out[j].key
	})
	return out
}
