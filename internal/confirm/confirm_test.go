package confirm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"jobapply-engine/internal/domain"
)

var sent = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMatchConfirmation(t *testing.T) {
	p := domain.Posting{SourceSite: "greenhouse", ExternalID: "1", Company: "Acme Robotics"}
	cases := []struct {
		name string
		m    Message
		want bool
	}{
		{"confirmation", Message{Subject: "Thank you for applying to Acme Robotics", Date: sent.Add(time.Minute)}, true},
		{"html body", Message{Subject: "Your application", Text: "<p>We have <b>received your application</b> for Acme&nbsp;Robotics.</p>", Date: sent.Add(time.Minute)}, true},
		{"body names company", Message{Subject: "Update", Text: "<p>Acme Robotics: application received.</p>", Date: sent}, true},
		{"other company", Message{Subject: "Thank you for applying to Initech", Date: sent.Add(time.Minute)}, false},
		{"before the submit", Message{Subject: "Thank you for applying to Acme Robotics", Date: sent.Add(-time.Hour)}, false},
		{"no phrase", Message{Subject: "Acme Robotics newsletter", Date: sent.Add(time.Minute)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			artifact, ok := MatchConfirmation(tc.m, p, sent)
			if ok != tc.want {
				t.Fatalf("ok = %v, want %v", ok, tc.want)
			}
			if ok && !strings.HasPrefix(artifact, "email: ") {
				t.Fatalf("artifact = %q", artifact)
			}
		})
	}
}

type scriptedMailbox struct {
	batches [][]Message
	calls   int
	err     error
}

func (s *scriptedMailbox) Fetch(context.Context, time.Time) ([]Message, error) {
	defer func() { s.calls++ }()
	if s.err != nil {
		return nil, s.err
	}
	if s.calls < len(s.batches) {
		return s.batches[s.calls], nil
	}
	return nil, nil
}

func TestConfirmerPollsUntilFound(t *testing.T) {
	mb := &scriptedMailbox{batches: [][]Message{
		nil,
		{{Subject: "Thanks for applying to Acme", Date: sent.Add(time.Minute)}},
	}}
	c := &Confirmer{Mailbox: mb, Poll: time.Millisecond}
	artifact, ok, err := c.Confirm(context.Background(), domain.Posting{Company: "Acme"}, sent)
	if err != nil || !ok || artifact != "email: Thanks for applying to Acme" {
		t.Fatalf("confirm = %q, %v, %v", artifact, ok, err)
	}
	if mb.calls != 2 {
		t.Fatalf("calls = %d", mb.calls)
	}
}

func TestConfirmerGivesUpAtDeadline(t *testing.T) {
	c := &Confirmer{Mailbox: &scriptedMailbox{}, Poll: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := c.Confirm(ctx, domain.Posting{Company: "Acme"}, sent)
	if ok || err != nil {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
}

func TestConfirmerReportsMailboxErrors(t *testing.T) {
	c := &Confirmer{Mailbox: &scriptedMailbox{err: errors.New("auth failed")}, Poll: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok, err := c.Confirm(ctx, domain.Posting{Company: "Acme"}, sent)
	if ok || err == nil {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
}

func TestBodyTextMultipart(t *testing.T) {
	raw := "From: jobs@acme.example\r\n" +
		"Subject: Application\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Thank you for applying to Acme.\r\n" +
		"--XYZ--\r\n"
	if got := BodyText([]byte(raw)); !strings.Contains(got, "Thank you for applying to Acme.") {
		t.Fatalf("body = %q", got)
	}
}
