package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"betaline/internal/db"
	"betaline/internal/domain"
	"betaline/internal/migrate"
	"betaline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func seedReport(t *testing.T, r repo.Repo, ctx context.Context, reporter int64) int64 {
	t.Helper()
	if _, err := r.EnsureIdentity(ctx, reporter, ""); err != nil {
		t.Fatal(err)
	}
	var id int64
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		id, err = r.InsertReportTx(ctx, tx, domain.Report{
			ReporterID: reporter,
			Group:      "Beta A",
			Version:    "1.0.0",
			Steps:      "s",
			Expected:   "e",
			Actual:     "a",
		})
		return err
	})
	return id
}

func TestTransitionGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	id := seedReport(t, r, ctx, 100)

	var moved bool
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		moved, err = r.TransitionReportTx(ctx, tx, id, domain.StatusPending, domain.StatusAccepted)
		return err
	})
	if !moved {
		t.Fatalf("first transition did not apply")
	}

	// Same transition again: the guard sees the report left pending.
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		moved, err = r.TransitionReportTx(ctx, tx, id, domain.StatusPending, domain.StatusRejected)
		return err
	})
	if moved {
		t.Fatalf("guard let a second decision through")
	}

	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		moved, err = r.TransitionReportTx(ctx, tx, id, domain.StatusAccepted, domain.StatusFixed)
		return err
	})
	if !moved {
		t.Fatalf("accepted -> fixed should apply")
	}
}

func TestIncrementCounterFloorsAtZero(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.EnsureIdentity(ctx, 7, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.IncrementCounter(ctx, 7, repo.CounterAccepted, -5); err != nil {
		t.Fatal(err)
	}
	ident, err := r.GetIdentity(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if ident.AcceptedCount != 0 {
		t.Fatalf("count = %d, want floor at 0", ident.AcceptedCount)
	}

	if err := r.IncrementCounter(ctx, 999, repo.CounterAccepted, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown identity err = %v, want ErrNotFound", err)
	}
}

func TestEnsureIdentityIsNonDestructive(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.UpsertRole(ctx, 5, domain.RoleTester); err != nil {
		t.Fatal(err)
	}
	if err := r.IncrementCounter(ctx, 5, repo.CounterAccepted, 3); err != nil {
		t.Fatal(err)
	}

	ident, err := r.EnsureIdentity(ctx, 5, "newhandle")
	if err != nil {
		t.Fatal(err)
	}
	if ident.Role != domain.RoleTester || ident.AcceptedCount != 3 {
		t.Fatalf("ensure clobbered state: %+v", ident)
	}
	if ident.Handle != "newhandle" {
		t.Fatalf("handle not refreshed: %q", ident.Handle)
	}
}

func TestSessionMergeAccumulatesFields(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.EnsureIdentity(ctx, 9, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.PutSession(ctx, 9, domain.StepChoosingGroup, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.MergeSessionField(ctx, 9, "group", "Beta B", domain.StepWaitingVersion); err != nil {
		t.Fatal(err)
	}
	if err := r.MergeSessionField(ctx, 9, "version", "2.0", domain.StepWaitingSteps); err != nil {
		t.Fatal(err)
	}

	sess, err := r.GetSession(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Step != domain.StepWaitingSteps {
		t.Fatalf("step = %s", sess.Step)
	}
	if sess.Fields["group"] != "Beta B" || sess.Fields["version"] != "2.0" {
		t.Fatalf("fields = %v", sess.Fields)
	}
}

func TestGetSessionAbsentIsEmptyNotError(t *testing.T) {
	r, ctx := newTestRepo(t)
	sess, err := r.GetSession(ctx, 12345)
	if err != nil {
		t.Fatalf("absent session errored: %v", err)
	}
	if sess.Active() {
		t.Fatalf("absent session reported active: %+v", sess)
	}
}

func TestSeedAdminsNeverDemotes(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.SeedAdmins(ctx, []int64{1, 2}); err != nil {
		t.Fatal(err)
	}
	ident, err := r.GetIdentity(ctx, 1)
	if err != nil || ident.Role != domain.RoleAdmin {
		t.Fatalf("seed failed: %v %v", ident.Role, err)
	}
	// Seeding again is harmless.
	if err := r.SeedAdmins(ctx, []int64{1}); err != nil {
		t.Fatal(err)
	}
}
