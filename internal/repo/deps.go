package repo

import (
	"context"
	"database/sql"
)

// AddDependency inserts a dependency edge. Re-adding an existing edge is a no-op.
func (r Repo) AddDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOnID, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id, depends_on_task_id, created_at) VALUES (?,?,?)`,
		taskID, dependsOnID, at)
	return err
}

func (r Repo) RemoveDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOnID)
	return err
}

// ListTaskDependencies returns the prerequisite ids of a task, skipping
// soft-deleted prerequisites. Pass a nil tx to read outside a transaction.
func (r Repo) ListTaskDependencies(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	query := `SELECT d.depends_on_task_id FROM task_dependencies d
JOIN tasks t ON t.id=d.depends_on_task_id
WHERE d.task_id=? AND t.deleted_at IS NULL
ORDER BY d.created_at ASC, d.depends_on_task_id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, taskID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, taskID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// DirectPrerequisites returns the raw edge targets of a task inside a
// transaction, soft-deleted or not. Cycle checks walk the full edge set.
func (r Repo) DirectPrerequisites(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}
