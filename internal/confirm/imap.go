package confirm

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// IMAPMailbox reads a mailbox read-only over IMAPS.
type IMAPMailbox struct {
	Host     string
	Port     int
	Username string
	Password func() (string, error)
	Mailbox  string
	Max      int
}

func (m IMAPMailbox) addr() string {
	port := m.Port
	if port == 0 {
		port = 993
	}
	return net.JoinHostPort(m.Host, strconv.Itoa(port))
}

func (m IMAPMailbox) dial(ctx context.Context) (*imapclient.Client, error) {
	if m.Host == "" || m.Username == "" {
		return nil, errors.New("imap host/username is required")
	}
	password, err := m.Password()
	if err != nil {
		return nil, err
	}

	c, err := imapclient.DialTLS(m.addr(), &imapclient.Options{
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: m.Host},
	})
	if err != nil {
		return nil, fmt.Errorf("imap dial tls: %w", err)
	}

	// Best-effort close on context cancel.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	if err := c.Login(m.Username, password).Wait(); err != nil {
		stop()
		_ = c.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

func (m IMAPMailbox) Fetch(ctx context.Context, since time.Time) ([]Message, error) {
	c, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.Logout().Wait()
		_ = c.Close()
	}()

	mailbox := m.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	// SINCE has day granularity; MatchConfirmation filters by time.
	searchData, err := c.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap uid search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	max := m.Max
	if max <= 0 {
		max = 50
	}
	if len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	bodyAll := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierNone, Peek: true}
	fetchCmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodyAll},
	})
	defer func() { _ = fetchCmd.Close() }()

	var out []Message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			return nil, fmt.Errorf("imap fetch collect: %w", err)
		}

		var msg Message
		if buf.Envelope != nil {
			msg.Subject = buf.Envelope.Subject
			msg.Date = buf.Envelope.Date
			if len(buf.Envelope.From) > 0 {
				msg.From = buf.Envelope.From[0].Addr()
			}
		}
		if raw := buf.FindBodySection(bodyAll); raw != nil {
			msg.Text = BodyText(raw)
		}
		out = append(out, msg)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imap fetch close: %w", err)
	}
	return out, nil
}

// BodyText returns the concatenated text parts of a raw RFC 822 message.
func BodyText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return ""
	}
	var sb strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if strings.HasPrefix(ct, "text/") || ct == "" {
				b, _ := io.ReadAll(io.LimitReader(p.Body, 256<<10))
				sb.Write(b)
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}
