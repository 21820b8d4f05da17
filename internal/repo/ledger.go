package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kwilt/internal/domain"
)

// The ledger is append-only: progress entries and artifacts are inserted and
// listed, never updated or deleted.

// InsertProgress appends one execution update.
func (r Repo) InsertProgress(ctx context.Context, p domain.ProgressEntry) (domain.ProgressEntry, error) {
	if p.OwnerID == "" || p.ActivityID == "" || p.ExecutionTargetID == "" {
		return p, errors.New("owner_id, activity_id and execution_target_id required")
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO progress_entries(owner_id, activity_id, execution_target_id, message, percent, created_at) VALUES (?,?,?,?,?,?)`,
		p.OwnerID, p.ActivityID, p.ExecutionTargetID, p.Message, nullableIntPtr(p.Percent), p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.ID, _ = res.LastInsertId()
	return p, nil
}

// InsertArtifact appends one execution output.
func (r Repo) InsertArtifact(ctx context.Context, a domain.Artifact) error {
	if a.ID == "" || a.OwnerID == "" || a.ActivityID == "" || a.ExecutionTargetID == "" {
		return errors.New("id, owner_id, activity_id and execution_target_id required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO artifacts(id, owner_id, activity_id, execution_target_id, type, content, created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.ActivityID, a.ExecutionTargetID, a.Type, a.Content, a.CreatedAt)
	return err
}

// ListProgress returns an owner's progress entries for a task, oldest first.
func (r Repo) ListProgress(ctx context.Context, ownerID, activityID string, limit int) ([]domain.ProgressEntry, error) {
	query := `SELECT id, owner_id, activity_id, execution_target_id, message, percent, created_at FROM progress_entries WHERE owner_id=? AND activity_id=? ORDER BY id ASC`
	args := []any{ownerID, activityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEntry
	for rows.Next() {
		var p domain.ProgressEntry
		var percent sql.NullInt64
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.ActivityID, &p.ExecutionTargetID, &p.Message, &percent, &p.CreatedAt); err != nil {
			return nil, err
		}
		if percent.Valid {
			v := int(percent.Int64)
			p.Percent = &v
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListArtifacts returns an owner's artifacts for a task, oldest first.
func (r Repo) ListArtifacts(ctx context.Context, ownerID, activityID string, limit int) ([]domain.Artifact, error) {
	query := `SELECT id, owner_id, activity_id, execution_target_id, type, content, created_at FROM artifacts WHERE owner_id=? AND activity_id=? ORDER BY created_at ASC, id ASC`
	args := []any{ownerID, activityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.ActivityID, &a.ExecutionTargetID, &a.Type, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestAuditEntries returns the newest audit rows for an owner.
func (r Repo) LatestAuditEntries(ctx context.Context, ownerID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, owner_id, tool_name, COALESCE(execution_target_id,''), COALESCE(activity_id,''), COALESCE(summary,''), created_at FROM audit_log WHERE owner_id=? ORDER BY id DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.ToolName, &e.ExecutionTargetID, &e.ActivityID, &e.Summary, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
