package store

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// Migrate brings the schema up to schemaVersion inside one transaction.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}

	if v >= schemaVersion {
		return tx.Commit()
	}

	// ---- Schema v1: tables ----

	stmts := []string{`
CREATE TABLE IF NOT EXISTS postings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source_site TEXT NOT NULL,
  external_id TEXT NOT NULL,
  url TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  company TEXT NOT NULL DEFAULT '',
  description_text TEXT NOT NULL DEFAULT '',
  discovered_at TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'new',
  last_score INTEGER NOT NULL DEFAULT 0,
  note TEXT NOT NULL DEFAULT '',
  deferred_until TEXT,
  updated_at TEXT NOT NULL,
  UNIQUE(source_site, external_id)
);`, `
CREATE TABLE IF NOT EXISTS applications (
  id TEXT PRIMARY KEY,
  posting_id INTEGER NOT NULL REFERENCES postings(id),
  state TEXT NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_attempt_at TEXT NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  submitted_at TEXT,
  failure_reason TEXT,
  approval_decision TEXT,
  confirmation TEXT NOT NULL DEFAULT '',
  snapshot TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  profile_id TEXT NOT NULL,
  user_agent TEXT NOT NULL,
  locale TEXT NOT NULL,
  viewport TEXT NOT NULL,
  timezone TEXT NOT NULL,
  use_count INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  retired INTEGER NOT NULL DEFAULT 0,
  retired_reason TEXT NOT NULL DEFAULT ''
);`, `
CREATE TABLE IF NOT EXISTS submissions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  site TEXT NOT NULL,
  posting_id INTEGER NOT NULL,
  application_id TEXT NOT NULL,
  outcome TEXT NOT NULL,
  at TEXT NOT NULL
);`,

		// ---- Schema v1: indexes ----

		`CREATE INDEX IF NOT EXISTS idx_postings_discovered ON postings(status, discovered_at);`,
		`CREATE INDEX IF NOT EXISTS idx_applications_posting ON applications(posting_id, created_at);`,
		// at most one non-terminal application per posting
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_active
ON applications(posting_id)
WHERE state NOT IN ('submitted','failed','abandoned');`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_site_at ON submissions(site, at);`,
	}

	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}
