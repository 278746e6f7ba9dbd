// Package confirm looks for out-of-band evidence that an application went
// through, such as a confirmation email from the employer or its ATS.
package confirm

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
)

// Message is a received email reduced to what matching needs.
type Message struct {
	From    string
	Subject string
	Date    time.Time
	Text    string
}

// Mailbox returns messages received at or after since.
type Mailbox interface {
	Fetch(ctx context.Context, since time.Time) ([]Message, error)
}

var confirmPhrases = []string{
	"thank you for applying",
	"thanks for applying",
	"thank you for your application",
	"application received",
	"received your application",
	"application has been submitted",
	"application was submitted",
	"successfully submitted",
}

var tagRe = regexp.MustCompile(`<[^>]+>`)

// MatchConfirmation reports whether m confirms an application to p sent at
// since. The message must name the company and use a confirmation phrase.
func MatchConfirmation(m Message, p domain.Posting, since time.Time) (string, bool) {
	if !m.Date.IsZero() && m.Date.Before(since) {
		return "", false
	}
	company := strings.ToLower(strings.TrimSpace(p.Company))
	if company == "" {
		return "", false
	}
	text := strings.ToLower(m.Subject + " " + m.From + " " + html.UnescapeString(tagRe.ReplaceAllString(m.Text, " ")))
	text = strings.Join(strings.Fields(text), " ")
	if !strings.Contains(text, company) {
		return "", false
	}
	for _, phrase := range confirmPhrases {
		if strings.Contains(text, phrase) {
			return "email: " + strings.TrimSpace(m.Subject), true
		}
	}
	return "", false
}

// Confirmer polls a mailbox for a confirmation until it appears or the
// context ends.
type Confirmer struct {
	Mailbox Mailbox
	Poll    time.Duration
	// Skew widens the search window for clocks that disagree with the
	// mail server.
	Skew time.Duration
	Log  *slog.Logger
}

func (c *Confirmer) Confirm(ctx context.Context, p domain.Posting, since time.Time) (string, bool, error) {
	log := c.Log
	if log == nil {
		log = logging.Discard()
	}
	poll := c.Poll
	if poll <= 0 {
		poll = 20 * time.Second
	}
	from := since.Add(-c.Skew)

	var lastErr error
	for {
		msgs, err := c.Mailbox.Fetch(ctx, from)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			lastErr = err
			log.Warn("mailbox fetch failed", "posting", p.Key(), "err", err)
		}
		for _, m := range msgs {
			if artifact, ok := MatchConfirmation(m, p, from); ok {
				log.Info("confirmation email found", "posting", p.Key(), "subject", m.Subject)
				return artifact, true, nil
			}
		}

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			if lastErr != nil {
				return "", false, fmt.Errorf("no confirmation email: %w", lastErr)
			}
			return "", false, nil
		case <-t.C:
		}
	}
	if lastErr != nil {
		return "", false, fmt.Errorf("no confirmation email: %w", lastErr)
	}
	return "", false, nil
}
