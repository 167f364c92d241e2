package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Engine compiles declarative criteria into SQL over the live task and
// project tables. Results are always scoped to projects the caller belongs to.
type Engine struct {
	DB              *sql.DB
	DefaultPageSize int
	MaxPageSize     int
}

func New(db *sql.DB, defaultPageSize, maxPageSize int) Engine {
	if defaultPageSize <= 0 {
		defaultPageSize = 10
	}
	if maxPageSize <= 0 {
		maxPageSize = 50
	}
	return Engine{DB: db, DefaultPageSize: defaultPageSize, MaxPageSize: maxPageSize}
}

// Op is a predicate operator.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Predicate is one filter condition on an allow-listed field.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Criteria describes a search: an optional text term plus structured predicates.
type Criteria struct {
	Term        string
	ExactPhrase bool
	Predicates  []Predicate
}

type Sort struct {
	Key        string
	Descending bool
}

type Page struct {
	Number int
	Size   int
}

type Result[T any] struct {
	Items      []T
	TotalCount int
	TotalPages int
	Facets     map[string]map[string]int
}

var taskFields = map[string]string{
	"project_id":  "project_id",
	"status":      "status",
	"priority":    "priority",
	"assignee_id": "assignee_id",
	"progress":    "progress",
	"due_date":    "due_date",
	"created_at":  "created_at",
}

var projectFields = map[string]string{
	"status":     "status",
	"owner_id":   "owner_id",
	"progress":   "progress",
	"start_date": "start_date",
	"created_at": "created_at",
}

var taskSortKeys = map[string]string{
	"created_at": "created_at",
	"due_date":   "due_date",
	"priority":   `CASE priority WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 WHEN 'urgent' THEN 4 ELSE 0 END`,
}

var projectSortKeys = map[string]string{
	"created_at": "created_at",
	"start_date": "start_date",
	"task_count": `(SELECT COUNT(*) FROM tasks t WHERE t.project_id=projects.id AND t.deleted_at IS NULL)`,
}

func (e Engine) clampPage(p Page) Page {
	if p.Size <= 0 {
		p.Size = e.DefaultPageSize
	}
	if p.Size > e.MaxPageSize {
		p.Size = e.MaxPageSize
	}
	if p.Number <= 0 {
		p.Number = 1
	}
	return p
}

func compilePredicates(fields map[string]string, preds []Predicate) (clauses []string, args []any, err error) {
	for _, p := range preds {
		col, ok := fields[p.Field]
		if !ok {
			return nil, nil, fmt.Errorf("unknown filter field %q", p.Field)
		}
		switch p.Op {
		case OpEq:
			clauses = append(clauses, col+"=?")
		case OpGte:
			clauses = append(clauses, col+" IS NOT NULL AND "+col+" >= ?")
		case OpLte:
			clauses = append(clauses, col+" IS NOT NULL AND "+col+" <= ?")
		default:
			return nil, nil, fmt.Errorf("unknown filter op %q", p.Op)
		}
		args = append(args, p.Value)
	}
	return clauses, args, nil
}

// termClause builds the text-match condition over title and description.
// Substring mode splits the term into tokens, each of which must match one
// of the fields; phrase mode matches the term as a whole.
func termClause(term string, exact bool) (string, []any) {
	if exact {
		pat := "%" + strings.ToLower(term) + "%"
		return "(LOWER(title) LIKE ? OR LOWER(COALESCE(description,'')) LIKE ?)", []any{pat, pat}
	}
	var parts []string
	var args []any
	for _, tok := range strings.Fields(strings.ToLower(term)) {
		pat := "%" + tok + "%"
		parts = append(parts, "(LOWER(title) LIKE ? OR LOWER(COALESCE(description,'')) LIKE ?)")
		args = append(args, pat, pat)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", args
}

// titleBoost orders title matches ahead of description-only matches.
func titleBoost(term string) (string, []any) {
	pat := "%" + strings.ToLower(term) + "%"
	return "CASE WHEN LOWER(title) LIKE ? THEN 0 ELSE 1 END", []any{pat}
}

func totalPages(total, size int) int {
	if total == 0 {
		return 0
	}
	return (total + size - 1) / size
}

type TaskRow struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	Priority   string  `json:"priority"`
	Progress   int     `json:"progress"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueDate    *string `json:"due_date,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// SearchTasks runs the query over tasks visible to userID.
func (e Engine) SearchTasks(ctx context.Context, userID string, c Criteria, sort Sort, page Page) (Result[TaskRow], error) {
	var res Result[TaskRow]
	page = e.clampPage(page)

	clauses := []string{
		"deleted_at IS NULL",
		"project_id IN (SELECT project_id FROM project_members WHERE user_id=?)",
	}
	args := []any{userID}

	pc, pa, err := compilePredicates(taskFields, c.Predicates)
	if err != nil {
		return res, err
	}
	clauses = append(clauses, pc...)
	args = append(args, pa...)

	if strings.TrimSpace(c.Term) != "" {
		tc, ta := termClause(c.Term, c.ExactPhrase)
		if tc != "" {
			clauses = append(clauses, tc)
			args = append(args, ta...)
		}
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	if err := e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks `+where, args...).Scan(&res.TotalCount); err != nil {
		return res, err
	}
	res.TotalPages = totalPages(res.TotalCount, page.Size)

	var orderParts []string
	orderArgs := []any{}
	if col, ok := taskSortKeys[sort.Key]; ok {
		dir := " ASC"
		if sort.Descending {
			dir = " DESC"
		}
		orderParts = append(orderParts, col+dir)
	} else if strings.TrimSpace(c.Term) != "" {
		boost, ba := titleBoost(c.Term)
		orderParts = append(orderParts, boost)
		orderArgs = append(orderArgs, ba...)
		orderParts = append(orderParts, "created_at DESC")
	} else {
		orderParts = append(orderParts, "created_at DESC")
	}
	orderParts = append(orderParts, "id ASC")

	query := `SELECT id,project_id,title,status,priority,progress,assignee_id,due_date,created_at FROM tasks ` +
		where + ` ORDER BY ` + strings.Join(orderParts, ", ") + ` LIMIT ? OFFSET ?`
	qargs := append(append(append([]any{}, args...), orderArgs...), page.Size, (page.Number-1)*page.Size)

	rows, err := e.DB.QueryContext(ctx, query, qargs...)
	if err != nil {
		return res, err
	}
	defer rows.Close()
	for rows.Next() {
		var t TaskRow
		var assignee, dueDate sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &t.Priority, &t.Progress, &assignee, &dueDate, &t.CreatedAt); err != nil {
			return res, err
		}
		if assignee.Valid {
			t.AssigneeID = &assignee.String
		}
		if dueDate.Valid {
			t.DueDate = &dueDate.String
		}
		res.Items = append(res.Items, t)
	}
	if err := rows.Err(); err != nil {
		return res, err
	}

	res.Facets = map[string]map[string]int{}
	for _, facet := range []string{"status", "priority"} {
		counts, err := e.facet(ctx, "tasks", facet, where, args)
		if err != nil {
			return res, err
		}
		res.Facets[facet] = counts
	}
	return res, nil
}

type ProjectRow struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	OwnerID   string  `json:"owner_id"`
	StartDate *string `json:"start_date,omitempty"`
	TaskCount int     `json:"task_count"`
	CreatedAt string  `json:"created_at"`
}

// SearchProjects runs the query over projects userID belongs to.
func (e Engine) SearchProjects(ctx context.Context, userID string, c Criteria, sort Sort, page Page) (Result[ProjectRow], error) {
	var res Result[ProjectRow]
	page = e.clampPage(page)

	clauses := []string{
		"deleted_at IS NULL",
		"id IN (SELECT project_id FROM project_members WHERE user_id=?)",
	}
	args := []any{userID}

	pc, pa, err := compilePredicates(projectFields, c.Predicates)
	if err != nil {
		return res, err
	}
	clauses = append(clauses, pc...)
	args = append(args, pa...)

	if strings.TrimSpace(c.Term) != "" {
		tc, ta := projectTermClause(c.Term, c.ExactPhrase)
		if tc != "" {
			clauses = append(clauses, tc)
			args = append(args, ta...)
		}
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	if err := e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects `+where, args...).Scan(&res.TotalCount); err != nil {
		return res, err
	}
	res.TotalPages = totalPages(res.TotalCount, page.Size)

	var orderParts []string
	orderArgs := []any{}
	if col, ok := projectSortKeys[sort.Key]; ok {
		dir := " ASC"
		if sort.Descending {
			dir = " DESC"
		}
		orderParts = append(orderParts, col+dir)
	} else if strings.TrimSpace(c.Term) != "" {
		pat := "%" + strings.ToLower(c.Term) + "%"
		orderParts = append(orderParts, "CASE WHEN LOWER(name) LIKE ? THEN 0 ELSE 1 END")
		orderArgs = append(orderArgs, pat)
		orderParts = append(orderParts, "created_at DESC")
	} else {
		orderParts = append(orderParts, "created_at DESC")
	}
	orderParts = append(orderParts, "id ASC")

	query := `SELECT id,name,status,progress,owner_id,start_date,created_at,
(SELECT COUNT(*) FROM tasks t WHERE t.project_id=projects.id AND t.deleted_at IS NULL) AS task_count
FROM projects ` + where + ` ORDER BY ` + strings.Join(orderParts, ", ") + ` LIMIT ? OFFSET ?`
	qargs := append(append(append([]any{}, args...), orderArgs...), page.Size, (page.Number-1)*page.Size)

	rows, err := e.DB.QueryContext(ctx, query, qargs...)
	if err != nil {
		return res, err
	}
	defer rows.Close()
	for rows.Next() {
		var p ProjectRow
		var startDate sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Progress, &p.OwnerID, &startDate, &p.CreatedAt, &p.TaskCount); err != nil {
			return res, err
		}
		if startDate.Valid {
			p.StartDate = &startDate.String
		}
		res.Items = append(res.Items, p)
	}
	if err := rows.Err(); err != nil {
		return res, err
	}

	res.Facets = map[string]map[string]int{}
	counts, err := e.facet(ctx, "projects", "status", where, args)
	if err != nil {
		return res, err
	}
	res.Facets["status"] = counts
	return res, nil
}

func projectTermClause(term string, exact bool) (string, []any) {
	if exact {
		pat := "%" + strings.ToLower(term) + "%"
		return "(LOWER(name) LIKE ? OR LOWER(COALESCE(description,'')) LIKE ?)", []any{pat, pat}
	}
	var parts []string
	var args []any
	for _, tok := range strings.Fields(strings.ToLower(term)) {
		pat := "%" + tok + "%"
		parts = append(parts, "(LOWER(name) LIKE ? OR LOWER(COALESCE(description,'')) LIKE ?)")
		args = append(args, pat, pat)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", args
}

// facet counts distinct values of col over the filtered set, paging ignored.
func (e Engine) facet(ctx context.Context, table, col, where string, args []any) (map[string]int, error) {
	rows, err := e.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM %s %s GROUP BY %s`, col, table, where, col), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, err
		}
		counts[v] = n
	}
	return counts, rows.Err()
}
