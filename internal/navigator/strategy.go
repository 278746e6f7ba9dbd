package navigator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"jobapply-engine/internal/domain"
)

// FillInput is everything a strategy may draw field values from.
type FillInput struct {
	Posting     domain.Posting
	Profile     domain.Profile
	CoverLetter string
}

// Signals is what a strategy reads off a page.
type Signals struct {
	Blocked      bool
	BlockReason  string
	Challenge    *Challenge
	Confirmed    bool
	Confirmation string
	// Rejections are validation messages shown after a submit.
	Rejections []string
}

// FormStrategy knows how to find and fill the application form of one family
// of sites, and how to tell a confirmation page from a rejection.
type FormStrategy interface {
	Name() string
	// Locate finds the application form on p or returns ErrFormNotFound.
	Locate(ctx context.Context, p Page) (Form, error)
	// ApplyLink returns the selector of a control that leads to the form.
	ApplyLink(p Page) (string, bool)
	// Values maps the input onto the form. Required fields without a value
	// are reported in the error.
	Values(form Form, in FillInput) ([]domain.FieldValue, error)
	Inspect(p Page) Signals
}

// MissingFieldsError lists required fields no value could be found for.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "no value for required fields: " + strings.Join(e.Fields, ", ")
}

// Registry selects a strategy per posting.
type Registry struct {
	byName map[string]FormStrategy
	sites  map[string]string
	def    string
}

// NewRegistry builds a registry. sites maps a source site to a strategy name;
// def is used when neither the site nor the URL host picks one.
func NewRegistry(def string, sites map[string]string, strategies ...FormStrategy) (*Registry, error) {
	r := &Registry{byName: map[string]FormStrategy{}, sites: map[string]string{}, def: def}
	for _, s := range strategies {
		r.byName[s.Name()] = s
	}
	if _, ok := r.byName[def]; !ok {
		return nil, fmt.Errorf("default strategy %q is not registered", def)
	}
	for site, name := range sites {
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("strategy %q for site %q is not registered", name, site)
		}
		r.sites[strings.ToLower(site)] = name
	}
	return r, nil
}

var hostStrategies = []struct {
	suffix, name string
}{
	{"greenhouse.io", "greenhouse"},
	{"lever.co", "lever"},
}

func (r *Registry) For(p domain.Posting) FormStrategy {
	if name, ok := r.sites[strings.ToLower(p.SourceSite)]; ok {
		return r.byName[name]
	}
	if u, err := url.Parse(p.URL); err == nil {
		host := strings.ToLower(u.Hostname())
		for _, hs := range hostStrategies {
			if host == hs.suffix || strings.HasSuffix(host, "."+hs.suffix) {
				if s, ok := r.byName[hs.name]; ok {
					return s
				}
			}
		}
	}
	return r.byName[r.def]
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (FormStrategy, bool) {
	s, ok := r.byName[name]
	return s, ok
}
