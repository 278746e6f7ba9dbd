package navigator

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/textutil"
)

var (
	defaultApplySelectors = []string{
		".apply-button",
		"[data-test='apply-button']",
		"[data-qa='btn-apply-bottom']",
		"a.postings-btn",
		"#apply_button",
	}

	defaultConfirmPhrases = []string{
		"thank you for applying",
		"thanks for applying",
		"application submitted",
		"application has been submitted",
		"application received",
		"we have received your application",
		"we've received your application",
	}

	blockPhrases = []string{
		"access denied",
		"unusual traffic",
		"are you a robot",
		"request blocked",
		"temporarily blocked",
		"too many requests",
	}

	challengeSelectors = []struct {
		sel, kind string
	}{
		{".g-recaptcha", "recaptcha"},
		{"iframe[src*='recaptcha']", "recaptcha"},
		{".h-captcha", "hcaptcha"},
		{"iframe[src*='hcaptcha']", "hcaptcha"},
		{".cf-turnstile", "turnstile"},
		{"img[src*='captcha']", "image"},
		{"img[alt*='captcha']", "image"},
		{"img[alt*='CAPTCHA']", "image"},
	}

	rejectionSelectors = []string{
		".field-error",
		".error-message",
		".invalid-feedback",
		"#error_explanation li",
		".errors li",
		"[role='alert']",
	}

	confirmationNumberRe = regexp.MustCompile(`(?i)(?:confirmation|reference|application)\s*(?:number|no\.?|#|id)\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,})`)
)

// Generic finds application forms by their controls. Site variants reuse it
// with fixed field values, form selectors and confirmation markers.
type Generic struct {
	name             string
	formSelectors    []string
	applySelectors   []string
	confirmSelectors []string
	confirmPhrases   []string
	fixed            map[string]func(FillInput) string
}

func NewGeneric() *Generic {
	return &Generic{
		name:           "generic",
		applySelectors: defaultApplySelectors,
		confirmPhrases: defaultConfirmPhrases,
	}
}

func (g *Generic) Name() string { return g.name }

func parseDoc(p Page) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
}

func (g *Generic) Locate(_ context.Context, p Page) (Form, error) {
	doc, err := parseDoc(p)
	if err != nil {
		return Form{}, fmt.Errorf("%w: parse page: %v", domain.ErrFormNotFound, err)
	}

	for _, sel := range g.formSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			form := parseForm(doc, s, p.URL)
			if len(form.Fields) > 0 {
				return form, nil
			}
		}
	}

	var (
		best      Form
		bestScore int
	)
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		form := parseForm(doc, s, p.URL)
		if sc := formScore(form); sc > bestScore {
			best, bestScore = form, sc
		}
	})
	if bestScore == 0 {
		return Form{}, domain.ErrFormNotFound
	}
	return best, nil
}

// formScore is 0 for forms that do not look like an application, such as a
// search box or a newsletter signup.
func formScore(f Form) int {
	var hasEmail, hasFile bool
	for _, fl := range f.Fields {
		switch fl.Kind {
		case KindEmail:
			hasEmail = true
		case KindFile:
			hasFile = true
		}
		if strings.Contains(strings.ToLower(fl.Name), "email") {
			hasEmail = true
		}
	}
	if !hasEmail && !hasFile && len(f.Fields) < 3 {
		return 0
	}
	if len(f.Fields) < 2 && !hasFile {
		return 0
	}
	score := len(f.Fields)
	if hasEmail {
		score += 3
	}
	if hasFile {
		score += 3
	}
	return score
}

func parseForm(doc *goquery.Document, s *goquery.Selection, pageURL string) Form {
	form := Form{
		Selector: selectorFor(s, "form"),
		Method:   strings.ToUpper(s.AttrOr("method", "GET")),
		Enctype:  s.AttrOr("enctype", ""),
		Hidden:   map[string]string{},
	}
	form.Action = resolveURL(pageURL, s.AttrOr("action", ""))

	radios := map[string]int{}
	s.Find("input, textarea, select").Each(func(_ int, el *goquery.Selection) {
		name := el.AttrOr("name", "")
		id := el.AttrOr("id", "")
		if name == "" && id == "" {
			return
		}
		if name == "" {
			name = id
		}

		kind := KindText
		switch goquery.NodeName(el) {
		case "textarea":
			kind = KindTextarea
		case "select":
			kind = KindSelect
		default:
			switch typ := strings.ToLower(el.AttrOr("type", "text")); typ {
			case "hidden":
				form.Hidden[name] = el.AttrOr("value", "")
				return
			case "submit", "button", "image", "reset":
				return
			case "email":
				kind = KindEmail
			case "tel":
				kind = KindTel
			case "number":
				kind = KindNumber
			case "url":
				kind = KindURL
			case "radio":
				kind = KindRadio
			case "checkbox":
				kind = KindCheckbox
			case "file":
				kind = KindFile
			}
		}

		label, starred := labelFor(doc, el, name)
		_, req := el.Attr("required")
		required := req || el.AttrOr("aria-required", "") == "true" || starred

		if kind == KindRadio {
			value := el.AttrOr("value", "on")
			if i, ok := radios[name]; ok {
				form.Fields[i].Options = append(form.Fields[i].Options, value)
				form.Fields[i].Required = form.Fields[i].Required || required
				return
			}
			radios[name] = len(form.Fields)
			form.Fields = append(form.Fields, Field{
				Name:     name,
				Selector: fmt.Sprintf("input[type='radio'][name='%s']", name),
				Kind:     KindRadio,
				Label:    groupLabel(el, label),
				Required: required,
				Options:  []string{value},
			})
			return
		}

		f := Field{
			Name:     name,
			Selector: fieldSelector(id, name),
			Kind:     kind,
			Label:    label,
			Required: required,
		}
		switch kind {
		case KindSelect:
			el.Find("option").Each(func(_ int, o *goquery.Selection) {
				v := strings.TrimSpace(o.AttrOr("value", o.Text()))
				if v != "" {
					f.Options = append(f.Options, v)
				}
			})
		case KindCheckbox:
			f.Options = []string{el.AttrOr("value", "on")}
		}
		form.Fields = append(form.Fields, f)
	})

	if btn := s.Find("button[type='submit'], input[type='submit']").First(); btn.Length() > 0 {
		form.Submit = selectorFor(btn, form.Selector+" [type='submit']")
	} else {
		s.Find("button").EachWithBreak(func(_ int, b *goquery.Selection) bool {
			t := strings.ToLower(b.Text())
			if strings.Contains(t, "submit") || strings.Contains(t, "apply") {
				form.Submit = selectorFor(b, form.Selector+" button")
				return false
			}
			return true
		})
	}
	return form
}

func fieldSelector(id, name string) string {
	if id != "" {
		return "#" + id
	}
	return fmt.Sprintf("[name='%s']", name)
}

func selectorFor(s *goquery.Selection, fallback string) string {
	if id := s.AttrOr("id", ""); id != "" {
		return "#" + id
	}
	if name := s.AttrOr("name", ""); name != "" {
		return fmt.Sprintf("%s[name='%s']", goquery.NodeName(s), name)
	}
	return fallback
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return base
	}
	return b.ResolveReference(r).String()
}

// labelFor resolves a human label: label[for], wrapping label, placeholder,
// aria-label, then the humanized name. starred reports a trailing "*".
func labelFor(doc *goquery.Document, el *goquery.Selection, name string) (string, bool) {
	var label string
	if id := el.AttrOr("id", ""); id != "" {
		label = textutil.CleanText(doc.Find(fmt.Sprintf("label[for='%s']", id)).First().Text())
	}
	if label == "" {
		label = textutil.CleanText(el.Closest("label").Text())
	}
	if label == "" {
		label = strings.TrimSpace(el.AttrOr("placeholder", ""))
	}
	if label == "" {
		label = strings.TrimSpace(el.AttrOr("aria-label", ""))
	}
	if label == "" {
		label = textutil.Humanize(name)
	}
	starred := strings.HasSuffix(label, "*")
	return strings.TrimSpace(strings.TrimSuffix(label, "*")), starred
}

// groupLabel prefers a fieldset legend for radio groups.
func groupLabel(el *goquery.Selection, fallback string) string {
	if legend := textutil.CleanText(el.Closest("fieldset").Find("legend").First().Text()); legend != "" {
		return strings.TrimSpace(strings.TrimSuffix(legend, "*"))
	}
	return fallback
}

func (g *Generic) ApplyLink(p Page) (string, bool) {
	doc, err := parseDoc(p)
	if err != nil {
		return "", false
	}
	for _, sel := range g.applySelectors {
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	var found string
	doc.Find("a[href], button").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Closest("form").Length() > 0 {
			return true
		}
		if !strings.Contains(strings.ToLower(textutil.CleanText(s.Text())), "apply") {
			return true
		}
		if id := s.AttrOr("id", ""); id != "" {
			found = "#" + id
		} else if href := s.AttrOr("href", ""); href != "" {
			found = fmt.Sprintf("a[href='%s']", href)
		}
		return found == ""
	})
	return found, found != ""
}

func (g *Generic) Values(form Form, in FillInput) ([]domain.FieldValue, error) {
	return mapValues(form, in, g.fixed)
}

func (g *Generic) Inspect(p Page) Signals {
	var sig Signals
	if p.Status == 403 || p.Status == 429 {
		sig.Blocked = true
		sig.BlockReason = fmt.Sprintf("http status %d", p.Status)
		return sig
	}

	doc, err := parseDoc(p)
	if err != nil {
		return sig
	}
	body := strings.ToLower(textutil.CleanText(doc.Find("body").Text()))
	if body == "" {
		body = strings.ToLower(textutil.CleanText(doc.Text()))
	}

	for _, phrase := range blockPhrases {
		if strings.Contains(body, phrase) && doc.Find("form").Length() == 0 {
			sig.Blocked = true
			sig.BlockReason = phrase
			return sig
		}
	}

	for _, c := range challengeSelectors {
		if s := doc.Find(c.sel).First(); s.Length() > 0 {
			// invisible widgets score the browser and never ask the user
			if s.AttrOr("data-size", "") == "invisible" {
				continue
			}
			ch := &Challenge{Kind: c.kind, PageURL: p.URL, SiteKey: s.AttrOr("data-sitekey", "")}
			if c.kind == "image" {
				ch.ImageURL = resolveURL(p.URL, s.AttrOr("src", ""))
			}
			if in := doc.Find("input[name*='captcha'], textarea[name*='captcha'], textarea[name='g-recaptcha-response'], textarea[name='h-captcha-response']").First(); in.Length() > 0 {
				ch.Input = fmt.Sprintf("[name='%s']", in.AttrOr("name", ""))
			}
			sig.Challenge = ch
			break
		}
	}

	for _, sel := range g.confirmSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			sig.Confirmed = true
			sig.Confirmation = textutil.CleanText(s.Text())
			break
		}
	}
	if !sig.Confirmed {
		for _, phrase := range g.confirmPhrases {
			if strings.Contains(body, phrase) {
				sig.Confirmed = true
				sig.Confirmation = phrase
				break
			}
		}
	}
	if sig.Confirmed {
		if m := confirmationNumberRe.FindStringSubmatch(textutil.CleanText(doc.Text())); m != nil {
			sig.Confirmation = m[1]
		}
	}

	seen := map[string]bool{}
	for _, sel := range rejectionSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := textutil.CleanText(s.Text()); t != "" && !seen[t] {
				seen[t] = true
				sig.Rejections = append(sig.Rejections, t)
			}
		})
	}
	doc.Find("[aria-invalid='true']").Each(func(_ int, s *goquery.Selection) {
		t := "invalid value for " + s.AttrOr("name", s.AttrOr("id", "field"))
		if !seen[t] {
			seen[t] = true
			sig.Rejections = append(sig.Rejections, t)
		}
	})
	return sig
}
