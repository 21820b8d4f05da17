package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"kwilt/internal/domain"
)

const targetColumns = `id, owner_id, kind, display_name, is_enabled, COALESCE(config,''), COALESCE(requirements,''), COALESCE(playbook,''), created_at, updated_at`

func scanTarget(scan func(dest ...any) error) (domain.ExecutionTarget, error) {
	var t domain.ExecutionTarget
	var enabled int
	err := scan(&t.ID, &t.OwnerID, &t.Kind, &t.DisplayName, &enabled, &t.Config, &t.Requirements, &t.Playbook, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.IsEnabled = enabled != 0
	return t, nil
}

// InsertExecutionTarget registers an executor for an owner.
func (r Repo) InsertExecutionTarget(ctx context.Context, t domain.ExecutionTarget) error {
	if t.ID == "" || t.OwnerID == "" {
		return errors.New("id and owner_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = t.CreatedAt
	}
	enabled := 0
	if t.IsEnabled {
		enabled = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO execution_targets(id, owner_id, kind, display_name, is_enabled, config, requirements, playbook, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Kind, t.DisplayName, enabled, nullable(t.Config), nullable(t.Requirements), nullable(t.Playbook), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetExecutionTarget returns a single target the owner holds.
func (r Repo) GetExecutionTarget(ctx context.Context, ownerID, id string) (domain.ExecutionTarget, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM execution_targets WHERE owner_id=? AND id=?`, ownerID, id)
	t, err := scanTarget(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ExecutionTarget{}, ErrNotFound
	}
	return t, err
}

type TargetFilters struct {
	OwnerID     string
	Kind        string
	EnabledOnly bool
	Limit       int
}

// ListExecutionTargets returns an owner's targets, newest-created first.
func (r Repo) ListExecutionTargets(ctx context.Context, f TargetFilters) ([]domain.ExecutionTarget, error) {
	clauses := []string{"owner_id=?"}
	args := []any{f.OwnerID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.EnabledOnly {
		clauses = append(clauses, "is_enabled=1")
	}
	query := `SELECT ` + targetColumns + ` FROM execution_targets WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionTarget
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetTargetEnabled flips the enabled flag.
func (r Repo) SetTargetEnabled(ctx context.Context, ownerID, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_targets SET is_enabled=?, updated_at=? WHERE owner_id=? AND id=?`, v, now, ownerID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
