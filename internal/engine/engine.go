// Package engine implements the core semantics: identity and roster
// management, the guided report form, the decision pipeline and broadcast
// fan-out. It owns all multi-statement transactions.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"betaline/internal/config"
	"betaline/internal/domain"
	"betaline/internal/events"
	"betaline/internal/repo"
	"betaline/internal/transport"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Transport transport.Transport
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, tr transport.Transport) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Transport: tr,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Touch registers first contact with an identity and refreshes its display
// handle. Role, group and counters are untouched.
func (e Engine) Touch(ctx context.Context, id int64, handle string) (domain.Identity, error) {
	return e.Repo.EnsureIdentity(ctx, id, handle)
}

// AddTesters grants the tester role to every id, creating identities for
// unknown ones.
func (e Engine) AddTesters(ctx context.Context, actorID int64, ids []int64) error {
	return e.setRoles(ctx, actorID, ids, domain.RoleTester, "roster.added")
}

// RemoveTesters revokes access by setting the role back to none. Identity
// rows stay so past reports remain attributable.
func (e Engine) RemoveTesters(ctx context.Context, actorID int64, ids []int64) error {
	return e.setRoles(ctx, actorID, ids, domain.RoleNone, "roster.removed")
}

func (e Engine) setRoles(ctx context.Context, actorID int64, ids []int64, role domain.Role, evtType string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := e.Repo.UpsertRoleTx(ctx, tx, id, role); err != nil {
			return fmt.Errorf("set role for %d: %w", id, err)
		}
		if err := e.Events.Append(ctx, tx, evtType, "identity", fmt.Sprintf("%d", id), actorID, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetRole assigns an arbitrary role to one identity. Reserved for the
// bootstrap admins; promoting to admin goes through here.
func (e Engine) SetRole(ctx context.Context, actorID, id int64, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRoleTx(ctx, tx, id, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "identity.role_set", "identity", fmt.Sprintf("%d", id), actorID,
		events.EventPayload{"role": string(role)}); err != nil {
		return err
	}
	return tx.Commit()
}

// TesterStats returns every tester with their score counters.
func (e Engine) TesterStats(ctx context.Context) ([]domain.Identity, error) {
	return e.Repo.ListByRole(ctx, domain.RoleTester)
}

// ActiveBugs lists accepted reports awaiting a fix, newest first.
func (e Engine) ActiveBugs(ctx context.Context) ([]domain.Report, error) {
	return e.Repo.ListReports(ctx, repo.ReportFilters{Status: domain.StatusAccepted})
}

// AdjustScore applies a manual correction to one score counter.
func (e Engine) AdjustScore(ctx context.Context, actorID, testerID int64, which repo.Counter, delta int) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.IncrementCounterTx(ctx, tx, testerID, which, delta); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "score.adjusted", "identity", fmt.Sprintf("%d", testerID), actorID,
		events.EventPayload{"counter": string(which), "delta": delta}); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedAdmins promotes the configured bootstrap admins. Called on startup;
// it never demotes anyone.
func (e Engine) SeedAdmins(ctx context.Context) error {
	return e.Repo.SeedAdmins(ctx, e.Config.Admins)
}
