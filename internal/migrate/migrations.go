// Package migrate brings the betaline database up to the current schema.
// Revisions are embedded SQL files registered below; applied versions are
// tracked in schema_version.
package migrate

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed sql/0001_core.sql
var coreSQL string

//go:embed sql/0002_audit_events.sql
var auditEventsSQL string

type revision struct {
	version int
	name    string
	sql     string
}

// Append-only; never reorder or edit a shipped revision.
var revisions = []revision{
	{1, "core", coreSQL},
	{2, "audit_events", auditEventsSQL},
}

// Migrate applies any revisions the database has not seen yet. The whole
// upgrade runs in one transaction, so a failing revision leaves the schema
// at the version it started from.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current := 0
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, rev := range revisions {
		if rev.version <= current {
			continue
		}
		if _, err := tx.Exec(rev.sql); err != nil {
			return fmt.Errorf("apply revision %d (%s): %w", rev.version, rev.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, rev.version); err != nil {
			return fmt.Errorf("record revision %d: %w", rev.version, err)
		}
		current = rev.version
	}
	return tx.Commit()
}
