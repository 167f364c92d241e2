package repo

import (
	"context"
	"database/sql"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

func (r Repo) InsertMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id,user_id,role,created_at) VALUES (?,?,?,?)`,
		m.ProjectID, m.UserID, m.Role, m.CreatedAt)
	return err
}

// GetMembership returns the caller's membership row, ErrNotFound for non-members.
func (r Repo) GetMembership(ctx context.Context, projectID, userID string) (domain.Membership, error) {
	var m domain.Membership
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,user_id,role,created_at FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMemberships(ctx context.Context, projectID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,user_id,role,created_at FROM project_members WHERE project_id=? ORDER BY created_at ASC, user_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMembershipRole(ctx context.Context, tx *sql.Tx, projectID, userID, role string) error {
	res, err := tx.ExecContext(ctx, `UPDATE project_members SET role=? WHERE project_id=? AND user_id=?`, role, projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMembership(ctx context.Context, tx *sql.Tx, projectID, userID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
