package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"kwilt/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for the provided secret.
// Plaintext secrets are never stored or compared.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// InsertPAT stores a hashed token. TokenHash must already contain the digest.
func (r Repo) InsertPAT(ctx context.Context, pat domain.PersonalAccessToken) error {
	if pat.ID == "" {
		return errors.New("id required")
	}
	if pat.OwnerID == "" {
		return errors.New("owner_id required")
	}
	if pat.TokenHash == "" {
		return errors.New("token_hash required")
	}
	if pat.CreatedAt == "" {
		pat.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO personal_access_tokens(id, owner_id, name, token_hash, created_at) VALUES (?,?,?,?,?)`,
		pat.ID, pat.OwnerID, nullable(pat.Name), pat.TokenHash, pat.CreatedAt)
	return err
}

// GetPATByHash returns a token row by its hashed value, revoked or not.
func (r Repo) GetPATByHash(ctx context.Context, hash string) (domain.PersonalAccessToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, owner_id, COALESCE(name,''), token_hash, revoked_at, last_used_at, created_at FROM personal_access_tokens WHERE token_hash=? LIMIT 1`, hash)
	var pat domain.PersonalAccessToken
	var revokedAt, lastUsedAt sql.NullString
	err := row.Scan(&pat.ID, &pat.OwnerID, &pat.Name, &pat.TokenHash, &revokedAt, &lastUsedAt, &pat.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.PersonalAccessToken{}, ErrNotFound
	}
	if err != nil {
		return domain.PersonalAccessToken{}, err
	}
	pat.RevokedAt = strPtrFromNull(revokedAt)
	pat.LastUsedAt = strPtrFromNull(lastUsedAt)
	return pat, nil
}

// TouchPATLastUsed updates last_used_at. Callers treat failure as advisory.
func (r Repo) TouchPATLastUsed(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `UPDATE personal_access_tokens SET last_used_at=? WHERE id=?`, now, id)
	return err
}

// RevokePAT marks a token revoked. Revoked tokens stay on record.
func (r Repo) RevokePAT(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE personal_access_tokens SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPATs returns an owner's tokens, newest first.
func (r Repo) ListPATs(ctx context.Context, ownerID string) ([]domain.PersonalAccessToken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, owner_id, COALESCE(name,''), token_hash, revoked_at, last_used_at, created_at FROM personal_access_tokens WHERE owner_id=? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pats []domain.PersonalAccessToken
	for rows.Next() {
		var pat domain.PersonalAccessToken
		var revokedAt, lastUsedAt sql.NullString
		if err := rows.Scan(&pat.ID, &pat.OwnerID, &pat.Name, &pat.TokenHash, &revokedAt, &lastUsedAt, &pat.CreatedAt); err != nil {
			return nil, err
		}
		pat.RevokedAt = strPtrFromNull(revokedAt)
		pat.LastUsedAt = strPtrFromNull(lastUsedAt)
		pats = append(pats, pat)
	}
	return pats, rows.Err()
}
