package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

const taskCols = `id,project_id,title,description,status,priority,progress,assignee_id,due_date,created_by,status_changed_by,status_changed_at,assigned_at,completed_at,completed_by,created_at,updated_at,deleted_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, assignee, dueDate, statusBy, statusAt, assignedAt, completedAt, completedBy, deletedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &desc, &t.Status, &t.Priority, &t.Progress,
		&assignee, &dueDate, &t.CreatedBy, &statusBy, &statusAt, &assignedAt,
		&completedAt, &completedBy, &t.CreatedAt, &t.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if statusBy.Valid {
		t.StatusChangedBy = &statusBy.String
	}
	if statusAt.Valid {
		t.StatusChangedAt = &statusAt.String
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority, t.Progress,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.DueDate), t.CreatedBy,
		nullableStringPtr(t.StatusChangedBy), nullableStringPtr(t.StatusChangedAt), nullableStringPtr(t.AssignedAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.DeletedAt))
	return err
}

// GetTask returns a live task with its dependency list.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=? AND deleted_at IS NULL`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, nil, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=? AND deleted_at IS NULL`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	Priority   string
	AssigneeID string
	DueBefore  string
	DueAfter   string
	// MemberUserID restricts results to projects the user belongs to.
	MemberUserID string
	Limit        int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.DueBefore != "" {
		clauses = append(clauses, "due_date IS NOT NULL AND due_date <= ?")
		args = append(args, f.DueBefore)
	}
	if f.DueAfter != "" {
		clauses = append(clauses, "due_date IS NOT NULL AND due_date >= ?")
		args = append(args, f.DueAfter)
	}
	if f.MemberUserID != "" {
		clauses = append(clauses, "project_id IN (SELECT project_id FROM project_members WHERE user_id=?)")
		args = append(args, f.MemberUserID)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskFields patches basic task fields. Nil pointers are left untouched.
func (r Repo) UpdateTaskFields(ctx context.Context, tx *sql.Tx, id string, title, description, priority, dueDate *string, updatedAt string) error {
	var fields []string
	var args []any
	if title != nil {
		fields = append(fields, "title=?")
		args = append(args, *title)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *priority)
	}
	if dueDate != nil {
		fields = append(fields, "due_date=?")
		args = append(args, nullable(*dueDate))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=? AND deleted_at IS NULL`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignTask sets or clears the assignee with its timestamp.
func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, id string, assigneeID *string, at string) error {
	var assignedAt any
	if assigneeID != nil && *assigneeID != "" {
		assignedAt = at
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee_id=?, assigned_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`,
		nullableStringPtr(assigneeID), assignedAt, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskState writes status, progress and all lifecycle stamps in one
// conditional UPDATE. Returns false when updatedAt no longer matches.
func (r Repo) UpdateTaskState(ctx context.Context, tx *sql.Tx, id string, status string, progress int, statusChangedBy, statusChangedAt, completedAt, completedBy *string, prevUpdatedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, progress=?, status_changed_by=?, status_changed_at=?, completed_at=?, completed_by=?, updated_at=?
WHERE id=? AND deleted_at IS NULL AND updated_at=?`,
		status, progress, nullableStringPtr(statusChangedBy), nullableStringPtr(statusChangedAt),
		nullableStringPtr(completedAt), nullableStringPtr(completedBy), updatedAt, id, prevUpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) SoftDeleteTask(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, at, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTask removes the row; dependency edges in both directions go with it.
func (r Repo) PurgeTask(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id=? OR depends_on_task_id=?`, id, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
