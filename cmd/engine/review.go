package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"jobapply-engine/internal/approval"
	"jobapply-engine/internal/config"
	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/secrets"
	"jobapply-engine/internal/store"
)

// reviewer is the approval surface the review prompt drives.
type reviewer interface {
	Pending(ctx context.Context) ([]domain.ApplicationRecord, error)
	Decide(ctx context.Context, id string, decision domain.Decision, note string) (domain.ApplicationRecord, error)
}

// review walks pending approvals from the terminal. It opens the store
// directly; a running engine picks approved records up on its next pass.
func review(args []string) error {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	list := fs.Bool("list", false, "print pending approvals and exit")
	p, err := resolvePaths(fs, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(p.cfgPath)
	if err != nil {
		return err
	}
	log := logging.NewWithWriter(os.Stderr, cfg.App.LogLevel)

	db, err := store.Open(filepath.Join(p.dataDir, "jobapply.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(db.Pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	pub, closePub := publisher(ctx, cfg, events.NewHub(), log)
	defer closePub()
	gate := approval.New(db, cfg.ApprovalRequiredFor, pub, log)

	if *list || !term.IsTerminal(int(os.Stdin.Fd())) {
		return printPending(ctx, os.Stdout, gate)
	}
	return reviewLoop(ctx, bufio.NewReader(os.Stdin), os.Stdout, gate)
}

func printPending(ctx context.Context, out io.Writer, r reviewer) error {
	pending, err := r.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "no applications awaiting approval")
		return nil
	}
	for _, rec := range pending {
		fmt.Fprintln(out, summary(rec))
	}
	return nil
}

func summary(rec domain.ApplicationRecord) string {
	if rec.Snapshot == nil {
		return fmt.Sprintf("%s  posting %d", rec.ID, rec.PostingID)
	}
	s := rec.Snapshot
	return fmt.Sprintf("%s  %s at %s (score %d)", rec.ID, s.Title, s.Company, s.Score)
}

// reviewLoop prompts for each pending record until input ends or the
// operator quits.
func reviewLoop(ctx context.Context, in *bufio.Reader, out io.Writer, r reviewer) error {
	pending, err := r.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "no applications awaiting approval")
		return nil
	}

	var approved, rejected int
	for i, rec := range pending {
		fmt.Fprintf(out, "\n[%d/%d] %s\n", i+1, len(pending), summary(rec))
		if s := rec.Snapshot; s != nil {
			fmt.Fprintf(out, "  url: %s\n", s.URL)
			if s.Rationale != "" {
				fmt.Fprintf(out, "  match: %s\n", s.Rationale)
			}
			for _, v := range s.Values {
				label := v.Label
				if label == "" {
					label = v.Name
				}
				fmt.Fprintf(out, "  %-28s %s\n", label+":", v.Value)
			}
		}

		answer, err := prompt(in, out, "approve, reject, skip or quit [a/r/s/q]: ")
		if err != nil {
			return err
		}
		var decision domain.Decision
		note := ""
		switch strings.ToLower(answer) {
		case "a", "approve":
			decision = domain.DecisionApproved
		case "r", "reject":
			decision = domain.DecisionRejected
			if note, err = prompt(in, out, "note (optional): "); err != nil {
				return err
			}
		case "q", "quit":
			fmt.Fprintf(out, "approved %d, rejected %d\n", approved, rejected)
			return nil
		default:
			continue
		}

		if _, err := r.Decide(ctx, rec.ID, decision, note); err != nil {
			if errors.Is(err, domain.ErrNotPending) {
				fmt.Fprintln(out, "  already decided elsewhere")
				continue
			}
			return err
		}
		if decision == domain.DecisionApproved {
			approved++
		} else {
			rejected++
		}
	}
	fmt.Fprintf(out, "approved %d, rejected %d\n", approved, rejected)
	return nil
}

func prompt(in *bufio.Reader, out io.Writer, text string) (string, error) {
	fmt.Fprint(out, text)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if errors.Is(err, io.EOF) && line == "" {
		return "q", nil
	}
	return line, nil
}

// setSecret stores the IMAP password or the solver key in the OS keychain,
// reading it without echo.
func setSecret(args []string) error {
	fs := flag.NewFlagSet("secrets", flag.ContinueOnError)
	del := fs.Bool("delete", false, "remove the secret instead of setting it")
	p, err := resolvePaths(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: engine secrets [-delete] imap|solver")
	}
	cfg, err := config.Load(p.cfgPath)
	if err != nil {
		return err
	}

	var account string
	switch fs.Arg(0) {
	case "imap":
		account = secrets.IMAPAccount(cfg)
	case "solver":
		account = secrets.SolverAccount(cfg)
	default:
		return fmt.Errorf("unknown secret %q (want imap or solver)", fs.Arg(0))
	}
	if *del {
		return secrets.Delete(account)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("secrets must be entered from a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s: ", account)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	return secrets.Set(account, string(b))
}
