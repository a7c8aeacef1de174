package repo

import (
	"context"
	"database/sql"

	"betaline/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	ActorID    int64
	Limit      int
}

// ListEvents returns audit events newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events`
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.ActorID != 0 {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
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
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &entityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			ev.EntityID = entityID.String
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CountReportsByStatus returns report totals keyed by status.
func (r Repo) CountReportsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM reports GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
