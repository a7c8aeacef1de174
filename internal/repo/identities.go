package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"betaline/internal/domain"
)

func scanIdentity(row *sql.Row) (domain.Identity, error) {
	var id domain.Identity
	var handle sql.NullString
	err := row.Scan(&id.ID, &id.Role, &id.Group, &id.AcceptedCount, &id.RejectedCount, &handle, &id.CreatedAt)
	if err == sql.ErrNoRows {
		return id, ErrNotFound
	}
	if handle.Valid {
		id.Handle = handle.String
	}
	return id, err
}

func (r Repo) GetIdentity(ctx context.Context, id int64) (domain.Identity, error) {
	return scanIdentity(r.DB.QueryRowContext(ctx,
		`SELECT id,role,grp,accepted_count,rejected_count,handle,created_at FROM identities WHERE id=?`, id))
}

// EnsureIdentity creates the identity with the none role on first contact
// and refreshes the display handle when one is supplied. Existing role,
// group and counters are never touched.
func (r Repo) EnsureIdentity(ctx context.Context, id int64, handle string) (domain.Identity, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO identities(id,role,grp,handle,created_at) VALUES (?,?,?,?,?)`,
		id, domain.RoleNone, "", nullable(handle), now); err != nil {
		return domain.Identity{}, err
	}
	if handle != "" {
		if _, err := r.DB.ExecContext(ctx, `UPDATE identities SET handle=? WHERE id=?`, handle, id); err != nil {
			return domain.Identity{}, err
		}
	}
	return r.GetIdentity(ctx, id)
}

// UpsertRole sets the role, creating the identity if needed. Setting
// RoleNone is the membership-removal path; report history stays
// attributable because rows are never deleted.
func (r Repo) UpsertRole(ctx context.Context, id int64, role domain.Role) error {
	return r.UpsertRoleTx(ctx, nil, id, role)
}

func (r Repo) UpsertRoleTx(ctx context.Context, tx *sql.Tx, id int64, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO identities(id,role,grp,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, id, role, "", now)
	} else {
		_, err = r.DB.ExecContext(ctx, query, id, role, "", now)
	}
	return err
}

func (r Repo) UpsertGroup(ctx context.Context, id int64, group string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE identities SET grp=? WHERE id=?`, group, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Counter selects which score counter to adjust.
type Counter string

const (
	CounterAccepted Counter = "accepted"
	CounterRejected Counter = "rejected"
)

func (c Counter) column() (string, error) {
	switch c {
	case CounterAccepted:
		return "accepted_count", nil
	case CounterRejected:
		return "rejected_count", nil
	}
	return "", fmt.Errorf("unknown counter %q", c)
}

// IncrementCounter adjusts a score counter with a single read-modify-write
// statement; concurrent decisions on different reports for the same
// identity cannot lose updates. Counters never go below zero.
func (r Repo) IncrementCounter(ctx context.Context, id int64, which Counter, delta int) error {
	return r.IncrementCounterTx(ctx, nil, id, which, delta)
}

func (r Repo) IncrementCounterTx(ctx context.Context, tx *sql.Tx, id int64, which Counter, delta int) error {
	col, err := which.column()
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE identities SET %s = MAX(0, %s + ?) WHERE id=?`, col, col)
	var res sql.Result
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, delta, id)
	} else {
		res, err = r.DB.ExecContext(ctx, query, delta, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListByRole(ctx context.Context, role domain.Role) ([]domain.Identity, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,role,grp,accepted_count,rejected_count,handle,created_at FROM identities WHERE role=? ORDER BY id ASC`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		var id domain.Identity
		var handle sql.NullString
		if err := rows.Scan(&id.ID, &id.Role, &id.Group, &id.AcceptedCount, &id.RejectedCount, &handle, &id.CreatedAt); err != nil {
			return nil, err
		}
		if handle.Valid {
			id.Handle = handle.String
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// SeedAdmins grants the admin role to the bootstrap list without demoting
// anyone already promoted through other paths.
func (r Repo) SeedAdmins(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT INTO identities(id,role,grp,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role WHERE identities.role != excluded.role`, id, domain.RoleAdmin, "", now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CounterMismatch describes an identity whose stored counters drifted from
// the report table.
type CounterMismatch struct {
	IdentityID     int64 `json:"identity_id"`
	StoredAccepted int   `json:"stored_accepted"`
	ActualAccepted int   `json:"actual_accepted"`
	StoredRejected int   `json:"stored_rejected"`
	ActualRejected int   `json:"actual_rejected"`
}

// CounterDrift reconciles score counters against report statuses. A healthy
// store returns an empty slice. Manual score adjustments also show up here;
// the check is for decision-path double counting.
func (r Repo) CounterDrift(ctx context.Context) ([]CounterMismatch, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT i.id, i.accepted_count, i.rejected_count,
       COALESCE(SUM(CASE WHEN b.status='accepted' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN b.status='rejected' THEN 1 ELSE 0 END), 0)
FROM identities i
LEFT JOIN reports b ON b.reporter_id = i.id
GROUP BY i.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drift []CounterMismatch
	for rows.Next() {
		var m CounterMismatch
		if err := rows.Scan(&m.IdentityID, &m.StoredAccepted, &m.StoredRejected, &m.ActualAccepted, &m.ActualRejected); err != nil {
			return nil, err
		}
		if m.StoredAccepted != m.ActualAccepted || m.StoredRejected != m.ActualRejected {
			drift = append(drift, m)
		}
	}
	return drift, rows.Err()
}

// FormatIDs renders an id list for user-facing confirmations.
func FormatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
