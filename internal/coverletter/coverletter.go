// Package coverletter supplies finalized cover letter text.
package coverletter

import (
	"context"
	"strings"

	"jobapply-engine/internal/domain"
)

// Provider returns the letter to attach for a posting. Implementations are
// synchronous and opaque to the engine.
type Provider interface {
	CoverLetter(ctx context.Context, p domain.Posting, prof domain.Profile) (string, error)
}

// Static returns the profile's letter with {{company}}, {{title}} and
// {{name}} filled in.
type Static struct{}

func (Static) CoverLetter(_ context.Context, p domain.Posting, prof domain.Profile) (string, error) {
	r := strings.NewReplacer(
		"{{company}}", p.Company,
		"{{title}}", p.Title,
		"{{name}}", prof.Name,
	)
	return strings.TrimSpace(r.Replace(prof.CoverLetter)), nil
}
