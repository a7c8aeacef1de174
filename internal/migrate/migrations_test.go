package migrate_test

import (
	"testing"

	"betaline/internal/db"
	"betaline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}

	// Both revisions landed: core tables and the audit log accept rows.
	if _, err := conn.Exec(`INSERT INTO identities(id, role, grp, created_at) VALUES (1, 'admin', '', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert identity: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO events(ts, type, entity_kind, actor_id) VALUES ('2026-01-01T00:00:00Z', 'roster.added', 'identity', 1)`); err != nil {
		t.Fatalf("insert event: %v", err)
	}
}
