package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"betaline/internal/domain"
)

// GetSession returns the identity's session; absence is an empty session at
// StepNone, not an error.
func (r Repo) GetSession(ctx context.Context, identityID int64) (domain.Session, error) {
	var s domain.Session
	var fieldsJSON string
	err := r.DB.QueryRowContext(ctx,
		`SELECT identity_id, step, fields_json, updated_at FROM sessions WHERE identity_id=?`, identityID).
		Scan(&s.IdentityID, &s.Step, &fieldsJSON, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Session{IdentityID: identityID, Step: domain.StepNone}, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &s.Fields); err != nil {
		return s, fmt.Errorf("decode session fields: %w", err)
	}
	return s, nil
}

// PutSession replaces the session wholesale; starting a new flow discards
// whatever was collected before.
func (r Repo) PutSession(ctx context.Context, identityID int64, step domain.Step, fields map[string]string) error {
	return r.PutSessionTx(ctx, nil, identityID, step, fields)
}

func (r Repo) PutSessionTx(ctx context.Context, tx *sql.Tx, identityID int64, step domain.Step, fields map[string]string) error {
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode session fields: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO sessions(identity_id, step, fields_json, updated_at) VALUES (?,?,?,?)
ON CONFLICT(identity_id) DO UPDATE SET step=excluded.step, fields_json=excluded.fields_json, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, identityID, step, string(data), now)
	} else {
		_, err = r.DB.ExecContext(ctx, query, identityID, step, string(data), now)
	}
	return err
}

// MergeSessionField stores one collected value and advances the step as a
// single read-modify-write under a transaction, so two events racing on the
// same session cannot interleave their updates.
func (r Repo) MergeSessionField(ctx context.Context, identityID int64, key, value string, next domain.Step) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var fieldsJSON string
	fields := map[string]string{}
	err = tx.QueryRowContext(ctx, `SELECT fields_json FROM sessions WHERE identity_id=?`, identityID).Scan(&fieldsJSON)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("decode session fields: %w", err)
		}
	}
	fields[key] = value
	if err := r.PutSessionTx(ctx, tx, identityID, next, fields); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ClearSession(ctx context.Context, identityID int64) error {
	return r.ClearSessionTx(ctx, nil, identityID)
}

func (r Repo) ClearSessionTx(ctx context.Context, tx *sql.Tx, identityID int64) error {
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id=?`, identityID)
	} else {
		_, err = r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id=?`, identityID)
	}
	return err
}
