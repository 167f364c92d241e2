package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,active,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Name, u.Email, boolInt(u.Active), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var active int
	var deactivatedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,active,created_at,deactivated_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &active, &u.CreatedAt, &deactivatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Active = active != 0
	if deactivatedAt.Valid {
		u.DeactivatedAt = &deactivatedAt.String
	}
	return u, nil
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var u domain.User
	var active int
	var deactivatedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,active,created_at,deactivated_at FROM users WHERE email=?`, email).
		Scan(&u.ID, &u.Name, &u.Email, &active, &u.CreatedAt, &deactivatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Active = active != 0
	if deactivatedAt.Valid {
		u.DeactivatedAt = &deactivatedAt.String
	}
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,active,created_at,deactivated_at FROM users ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var active int
		var deactivatedAt sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &active, &u.CreatedAt, &deactivatedAt); err != nil {
			return nil, err
		}
		u.Active = active != 0
		if deactivatedAt.Valid {
			u.DeactivatedAt = &deactivatedAt.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) DeactivateUser(ctx context.Context, id, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET active=0, deactivated_at=? WHERE id=? AND active=1`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const projectCols = `id,name,description,status,progress,owner_id,start_date,end_date,completed_at,completed_by,created_at,updated_at,deleted_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var desc, startDate, endDate, completedAt, completedBy, deletedAt sql.NullString
	err := scan(&p.ID, &p.Name, &desc, &p.Status, &p.Progress, &p.OwnerID, &startDate, &endDate, &completedAt, &completedBy, &p.CreatedAt, &p.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if startDate.Valid {
		p.StartDate = &startDate.String
	}
	if endDate.Valid {
		p.EndDate = &endDate.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		p.CompletedBy = &completedBy.String
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.Progress, p.OwnerID,
		nullableStringPtr(p.StartDate), nullableStringPtr(p.EndDate),
		nullableStringPtr(p.CompletedAt), nullableStringPtr(p.CompletedBy),
		p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.DeletedAt))
	return err
}

// GetProject returns a project; soft-deleted projects are not visible.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=? AND deleted_at IS NULL`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=? AND deleted_at IS NULL`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjectsForUser(ctx context.Context, userID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects
WHERE deleted_at IS NULL AND id IN (SELECT project_id FROM project_members WHERE user_id=?)
ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectFields patches basic project fields. Nil pointers are left untouched.
func (r Repo) UpdateProjectFields(ctx context.Context, tx *sql.Tx, id string, name, description, startDate, endDate *string, updatedAt string) error {
	var fields []string
	var args []any
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if startDate != nil {
		fields = append(fields, "start_date=?")
		args = append(args, nullable(*startDate))
	}
	if endDate != nil {
		fields = append(fields, "end_date=?")
		args = append(args, nullable(*endDate))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=? AND deleted_at IS NULL`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectState writes status, progress and completion stamps in one
// conditional UPDATE. Returns false when updatedAt no longer matches.
func (r Repo) UpdateProjectState(ctx context.Context, tx *sql.Tx, id string, status string, progress int, completedAt, completedBy *string, prevUpdatedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, progress=?, completed_at=?, completed_by=?, updated_at=?
WHERE id=? AND deleted_at IS NULL AND updated_at=?`,
		status, progress, nullableStringPtr(completedAt), nullableStringPtr(completedBy), updatedAt, id, prevUpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) SoftDeleteProject(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, at, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectProgressSummary aggregates task counts and progress for a project.
type ProgressSummary struct {
	TaskCount      int            `json:"task_count"`
	CompletedCount int            `json:"completed_count"`
	AvgProgress    float64        `json:"avg_progress"`
	ByStatus       map[string]int `json:"by_status"`
}

func (r Repo) ProjectProgressSummary(ctx context.Context, projectID string) (ProgressSummary, error) {
	s := ProgressSummary{ByStatus: map[string]int{}}
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0), COALESCE(AVG(progress),0)
FROM tasks WHERE project_id=? AND deleted_at IS NULL`, projectID).
		Scan(&s.TaskCount, &s.CompletedCount, &s.AvgProgress)
	if err != nil {
		return s, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? AND deleted_at IS NULL GROUP BY status`, projectID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, err
		}
		s.ByStatus[status] = count
	}
	return s, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
