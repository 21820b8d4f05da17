package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kwilt/internal/domain"
)

// InsertActivity stores a task snapshot for an owner.
func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	if a.ID == "" || a.OwnerID == "" {
		return errors.New("id and owner_id required")
	}
	if a.Title == "" {
		return errors.New("title required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activities(id, owner_id, title, description, created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.OwnerID, a.Title, nullable(a.Description), a.CreatedAt)
	return err
}

// GetActivity returns the owner's task snapshot, if one exists.
func (r Repo) GetActivity(ctx context.Context, ownerID, id string) (domain.Activity, error) {
	var a domain.Activity
	err := r.DB.QueryRowContext(ctx, `SELECT id, owner_id, title, COALESCE(description,''), created_at FROM activities WHERE owner_id=? AND id=?`, ownerID, id).
		Scan(&a.ID, &a.OwnerID, &a.Title, &a.Description, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ListActivities returns an owner's task snapshots, newest first.
func (r Repo) ListActivities(ctx context.Context, ownerID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, owner_id, title, COALESCE(description,''), created_at FROM activities WHERE owner_id=? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Title, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
