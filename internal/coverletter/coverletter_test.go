package coverletter

import (
	"context"
	"testing"

	"jobapply-engine/internal/domain"
)

func TestStaticFillsPlaceholders(t *testing.T) {
	prof := domain.Profile{Name: "Ada", CoverLetter: "Dear {{company}},\nI would love to join as {{title}}.\n{{name}}\n"}
	got, err := Static{}.CoverLetter(context.Background(), domain.Posting{Company: "Acme", Title: "Engineer"}, prof)
	if err != nil {
		t.Fatalf("cover letter: %v", err)
	}
	want := "Dear Acme,\nI would love to join as Engineer.\nAda"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
