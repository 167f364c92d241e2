package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for the provided token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIToken stores a hashed API token. TokenHash must already contain the hashed value.
func (r Repo) InsertAPIToken(ctx context.Context, t domain.APIToken) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.UserID == "" {
		return errors.New("user_id required")
	}
	if t.TokenHash == "" {
		return errors.New("token_hash required")
	}
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_tokens(id, user_id, name, token_hash, created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.UserID, nullable(t.Name), t.TokenHash, t.CreatedAt)
	return err
}

// GetAPITokenByHash returns an API token by its hashed value.
func (r Repo) GetAPITokenByHash(ctx context.Context, hash string) (domain.APIToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, user_id, COALESCE(name,''), token_hash, created_at FROM api_tokens WHERE token_hash=? LIMIT 1`, hash)
	var t domain.APIToken
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIToken{}, ErrNotFound
	}
	if err != nil {
		return domain.APIToken{}, err
	}
	return t, nil
}

// ListAPITokens returns API tokens, optionally filtered by user ID.
func (r Repo) ListAPITokens(ctx context.Context, userID string) ([]domain.APIToken, error) {
	query := `SELECT id, user_id, COALESCE(name,''), token_hash, created_at FROM api_tokens`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []domain.APIToken
	for rows.Next() {
		var t domain.APIToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteAPIToken deletes an API token by ID.
func (r Repo) DeleteAPIToken(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM api_tokens WHERE id=?`, id)
	return err
}

// ListActivity returns activity entries, newest first, optionally scoped to one entity.
func (r Repo) ListActivity(ctx context.Context, entityKind, entityID string, limit int) ([]domain.ActivityEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,actor_id,action,entity_kind,COALESCE(entity_id,''),COALESCE(detail_json,'') FROM activity_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID, &e.Detail); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
