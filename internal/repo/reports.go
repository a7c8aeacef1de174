package repo

import (
	"context"
	"database/sql"
	"time"

	"betaline/internal/domain"
)

func (r Repo) InsertReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if rep.CreatedAt == "" {
		rep.CreatedAt = now
	}
	if rep.UpdatedAt == "" {
		rep.UpdatedAt = rep.CreatedAt
	}
	if rep.Status == "" {
		rep.Status = domain.StatusPending
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO reports(reporter_id,grp,version,device,steps,expected,actual,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rep.ReporterID, rep.Group, rep.Version, nullable(rep.Device), rep.Steps, rep.Expected, rep.Actual, rep.Status, rep.CreatedAt, rep.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanReport(row *sql.Row) (domain.Report, error) {
	var rep domain.Report
	var device sql.NullString
	err := row.Scan(&rep.ID, &rep.ReporterID, &rep.Group, &rep.Version, &device, &rep.Steps, &rep.Expected, &rep.Actual, &rep.Status, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if device.Valid {
		rep.Device = device.String
	}
	return rep, err
}

func (r Repo) GetReport(ctx context.Context, id int64) (domain.Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx,
		`SELECT id,reporter_id,grp,version,device,steps,expected,actual,status,created_at,updated_at FROM reports WHERE id=?`, id))
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Report, error) {
	return scanReport(tx.QueryRowContext(ctx,
		`SELECT id,reporter_id,grp,version,device,steps,expected,actual,status,created_at,updated_at FROM reports WHERE id=?`, id))
}

// TransitionReportTx moves a report from one status to another with a
// guarded update. It returns false when the report was not in the expected
// source status, which is how a re-delivered decision becomes a no-op. The
// guard and any paired counter increment must share the transaction.
func (r Repo) TransitionReportTx(ctx context.Context, tx *sql.Tx, id int64, from, to domain.ReportStatus) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type ReportFilters struct {
	Status     domain.ReportStatus
	ReporterID int64
	Limit      int
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	query := `SELECT id,reporter_id,grp,version,device,steps,expected,actual,status,created_at,updated_at FROM reports`
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ReporterID != 0 {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, f.ReporterID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		var device sql.NullString
		if err := rows.Scan(&rep.ID, &rep.ReporterID, &rep.Group, &rep.Version, &device, &rep.Steps, &rep.Expected, &rep.Actual, &rep.Status, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
			return nil, err
		}
		if device.Valid {
			rep.Device = device.String
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}
