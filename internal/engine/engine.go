package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kurobe2240/task-management-api/internal/activity"
	"github.com/kurobe2240/task-management-api/internal/config"
	"github.com/kurobe2240/task-management-api/internal/domain"
	"github.com/kurobe2240/task-management-api/internal/engine/authz"
	"github.com/kurobe2240/task-management-api/internal/repo"
)

// ErrConcurrentModification reports a state write lost to a concurrent one.
var ErrConcurrentModification = errors.New("entity was modified concurrently")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity *activity.Recorder
	Config   *config.Config
	Now      func() time.Time

	// depMu serializes dependency-edge cycle checks against edge inserts.
	depMu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, rec *activity.Recorder) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: rec,
		Config:   cfg,
		Now:      time.Now,
		depMu:    &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// guardProject loads the caller's membership for a project and runs the guard.
func (e Engine) guardProject(ctx context.Context, actorID, projectID string, action authz.Action) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	return e.guard(ctx, actorID, p, "", "", action)
}

func (e Engine) guardTask(ctx context.Context, actorID string, t domain.Task, action authz.Action) error {
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	return e.guard(ctx, actorID, p, "", t.CreatedBy, action)
}

func (e Engine) guard(ctx context.Context, actorID string, p domain.Project, targetUserID, taskCreatedBy string, action authz.Action) error {
	in := authz.Input{
		UserID:         actorID,
		ProjectOwnerID: p.OwnerID,
		TargetUserID:   targetUserID,
		TaskCreatedBy:  taskCreatedBy,
	}
	m, err := e.Repo.GetMembership(ctx, p.ID, actorID)
	if err == nil {
		in.IsMember = true
		in.Role = m.Role
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return authz.Check(in, action)
}

// --- users ---

type UserCreateOptions struct {
	Name  string
	Email string
}

func (e Engine) RegisterUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.User{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.Email) == "" {
		return domain.User{}, errors.New("email is required")
	}
	u := domain.User{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		Email:     strings.ToLower(strings.TrimSpace(opts.Email)),
		Active:    true,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	e.Activity.Record(ctx, u.ID, "user.registered", "user", u.ID, activity.Detail{"email": u.Email})
	return u, nil
}

func (e Engine) DeactivateUser(ctx context.Context, actorID, userID string) error {
	if err := e.Repo.DeactivateUser(ctx, userID, e.nowRFC3339()); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "user.deactivated", "user", userID, nil)
	return nil
}

// --- projects ---

type ProjectCreateOptions struct {
	Name        string
	Description string
	StartDate   string
	EndDate     string
	OwnerID     string
}

// CreateProject creates the project and makes the creator its owner and an
// admin member, in one transaction.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.OwnerID == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	now := e.nowRFC3339()
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        opts.Name,
		Description: opts.Description,
		Status:      domain.ProjectPlanning,
		OwnerID:     opts.OwnerID,
		StartDate:   optionalString(opts.StartDate),
		EndDate:     optionalString(opts.EndDate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	m := domain.Membership{ProjectID: p.ID, UserID: opts.OwnerID, Role: domain.RoleAdmin, CreatedAt: now}
	if err := e.Repo.InsertMembership(ctx, tx, m); err != nil {
		return domain.Project{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Activity.Record(ctx, opts.OwnerID, "project.created", "project", p.ID, activity.Detail{"name": p.Name})
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, actorID, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.guard(ctx, actorID, p, "", "", authz.ViewProject); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, actorID string) ([]domain.Project, error) {
	return e.Repo.ListProjectsForUser(ctx, actorID)
}

type ProjectUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	StartDate   *string
	EndDate     *string
	ActorID     string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, opts.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.guard(ctx, opts.ActorID, p, "", "", authz.UpdateProject); err != nil {
		return domain.Project{}, err
	}
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Project{}, errors.New("name cannot be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectFields(ctx, tx, opts.ID, opts.Name, opts.Description, opts.StartDate, opts.EndDate, e.nowRFC3339()); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Activity.Record(ctx, opts.ActorID, "project.updated", "project", opts.ID, nil)
	return e.Repo.GetProject(ctx, opts.ID)
}

// SetProjectStatus drives the project through the lifecycle machine.
func (e Engine) SetProjectStatus(ctx context.Context, actorID, projectID, status string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.guard(ctx, actorID, p, "", "", authz.UpdateProjectState); err != nil {
		return domain.Project{}, err
	}
	cur := projectState(p)
	next, err := ApplyStatus(KindProject, cur, status, actorID, e.nowRFC3339())
	if err != nil {
		return domain.Project{}, err
	}
	if next == cur {
		return p, nil
	}
	return e.writeProjectState(ctx, actorID, p, next, "project.status_changed", activity.Detail{"from": cur.Status, "to": next.Status})
}

func (e Engine) SetProjectProgress(ctx context.Context, actorID, projectID string, progress int) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.guard(ctx, actorID, p, "", "", authz.UpdateProjectState); err != nil {
		return domain.Project{}, err
	}
	cur := projectState(p)
	next, err := ApplyProgress(KindProject, cur, progress, actorID, e.nowRFC3339())
	if err != nil {
		return domain.Project{}, err
	}
	if next == cur {
		return p, nil
	}
	return e.writeProjectState(ctx, actorID, p, next, "project.progress_changed", activity.Detail{"progress": progress})
}

func (e Engine) writeProjectState(ctx context.Context, actorID string, p domain.Project, next State, action string, detail activity.Detail) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateProjectState(ctx, tx, p.ID, next.Status, next.Progress, next.CompletedAt, next.CompletedBy, p.UpdatedAt, e.nowRFC3339())
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, ErrConcurrentModification
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Activity.Record(ctx, actorID, action, "project", p.ID, detail)
	return e.Repo.GetProject(ctx, p.ID)
}

// DeleteProject soft-deletes; only the owner may do it. Tasks are left in
// place with an orphaned project reference.
func (e Engine) DeleteProject(ctx context.Context, actorID, projectID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.guard(ctx, actorID, p, "", "", authz.DeleteProject); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteProject(ctx, tx, projectID, e.nowRFC3339()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "project.deleted", "project", projectID, nil)
	return nil
}

func (e Engine) ProjectProgressSummary(ctx context.Context, actorID, projectID string) (repo.ProgressSummary, error) {
	if err := e.guardProject(ctx, actorID, projectID, authz.ViewProject); err != nil {
		return repo.ProgressSummary{}, err
	}
	return e.Repo.ProjectProgressSummary(ctx, projectID)
}

// --- members ---

func (e Engine) AddMember(ctx context.Context, actorID, projectID, userID, role string) (domain.Membership, error) {
	if role == "" {
		role = domain.RoleMember
	}
	if !domain.ValidRole(role) {
		return domain.Membership{}, fmt.Errorf("unknown role %q", role)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Membership{}, err
	}
	if err := e.guard(ctx, actorID, p, userID, "", authz.AddMember); err != nil {
		return domain.Membership{}, err
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Membership{}, fmt.Errorf("member user: %w", err)
	}
	if !u.Active {
		return domain.Membership{}, errors.New("user is deactivated")
	}
	m := domain.Membership{ProjectID: projectID, UserID: userID, Role: role, CreatedAt: e.nowRFC3339()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMembership(ctx, tx, m); err != nil {
		return domain.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, err
	}
	e.Activity.Record(ctx, actorID, "member.added", "project", projectID, activity.Detail{"user": userID, "role": role})
	return m, nil
}

func (e Engine) RemoveMember(ctx context.Context, actorID, projectID, userID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.guard(ctx, actorID, p, userID, "", authz.RemoveMember); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMembership(ctx, tx, projectID, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "member.removed", "project", projectID, activity.Detail{"user": userID})
	return nil
}

func (e Engine) UpdateMemberRole(ctx context.Context, actorID, projectID, userID, role string) (domain.Membership, error) {
	if !domain.ValidRole(role) {
		return domain.Membership{}, fmt.Errorf("unknown role %q", role)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Membership{}, err
	}
	if err := e.guard(ctx, actorID, p, userID, "", authz.UpdateMemberRole); err != nil {
		return domain.Membership{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMembershipRole(ctx, tx, projectID, userID, role); err != nil {
		return domain.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, err
	}
	e.Activity.Record(ctx, actorID, "member.role_changed", "project", projectID, activity.Detail{"user": userID, "role": role})
	return e.Repo.GetMembership(ctx, projectID, userID)
}

func (e Engine) ListMembers(ctx context.Context, actorID, projectID string) ([]domain.Membership, error) {
	if err := e.guardProject(ctx, actorID, projectID, authz.ViewProject); err != nil {
		return nil, err
	}
	return e.Repo.ListMemberships(ctx, projectID)
}

// --- tasks ---

type TaskCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    string
	AssigneeID  string
	DueDate     string
	DependsOn   []string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.guard(ctx, opts.ActorID, p, "", "", authz.CreateTask); err != nil {
		return domain.Task{}, err
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskNotStarted,
		Priority:    opts.Priority,
		DueDate:     optionalString(opts.DueDate),
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetMembership(ctx, opts.ProjectID, opts.AssigneeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, errors.New("assignee must be a project member")
			}
			return domain.Task{}, err
		}
		t.AssigneeID = &opts.AssigneeID
		t.AssignedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	for _, dep := range opts.DependsOn {
		if err := e.AddDependency(ctx, opts.ActorID, t.ID, dep); err != nil {
			return domain.Task{}, err
		}
	}
	e.Activity.Record(ctx, opts.ActorID, "task.created", "task", t.ID, activity.Detail{"title": t.Title})
	t.DependsOn = opts.DependsOn
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, actorID, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.guardTask(ctx, actorID, t, authz.ViewProject); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Priority    *string
	DueDate     *string
	Assign      *string
	ActorID     string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.guardTask(ctx, opts.ActorID, t, authz.UpdateTask); err != nil {
		return domain.Task{}, err
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Task{}, errors.New("title cannot be empty")
	}
	if opts.Priority != nil && !domain.ValidPriority(*opts.Priority) {
		return domain.Task{}, fmt.Errorf("unknown priority %q", *opts.Priority)
	}
	if opts.Assign != nil && *opts.Assign != "" {
		if _, err := e.Repo.GetMembership(ctx, t.ProjectID, *opts.Assign); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, errors.New("assignee must be a project member")
			}
			return domain.Task{}, err
		}
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskFields(ctx, tx, opts.ID, opts.Title, opts.Description, opts.Priority, opts.DueDate, now); err != nil {
		return domain.Task{}, err
	}
	if opts.Assign != nil {
		if err := e.Repo.AssignTask(ctx, tx, opts.ID, opts.Assign, now); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Activity.Record(ctx, opts.ActorID, "task.updated", "task", opts.ID, nil)
	return e.Repo.GetTask(ctx, opts.ID)
}

// SetTaskStatus drives the task through the lifecycle machine.
func (e Engine) SetTaskStatus(ctx context.Context, actorID, taskID, status string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.guardTask(ctx, actorID, t, authz.UpdateTaskState); err != nil {
		return domain.Task{}, err
	}
	cur := taskState(t)
	next, err := ApplyStatus(KindTask, cur, status, actorID, e.nowRFC3339())
	if err != nil {
		return domain.Task{}, err
	}
	if next == cur {
		return t, nil
	}
	return e.writeTaskState(ctx, actorID, t, next, "task.status_changed", activity.Detail{"from": cur.Status, "to": next.Status})
}

func (e Engine) SetTaskProgress(ctx context.Context, actorID, taskID string, progress int) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.guardTask(ctx, actorID, t, authz.UpdateTaskState); err != nil {
		return domain.Task{}, err
	}
	cur := taskState(t)
	next, err := ApplyProgress(KindTask, cur, progress, actorID, e.nowRFC3339())
	if err != nil {
		return domain.Task{}, err
	}
	if next == cur {
		return t, nil
	}
	return e.writeTaskState(ctx, actorID, t, next, "task.progress_changed", activity.Detail{"progress": progress})
}

func (e Engine) writeTaskState(ctx context.Context, actorID string, t domain.Task, next State, action string, detail activity.Detail) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateTaskState(ctx, tx, t.ID, next.Status, next.Progress,
		next.StatusChangedBy, next.StatusChangedAt, next.CompletedAt, next.CompletedBy,
		t.UpdatedAt, e.nowRFC3339())
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, ErrConcurrentModification
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Activity.Record(ctx, actorID, action, "task", t.ID, detail)
	return e.Repo.GetTask(ctx, t.ID)
}

// DeleteTask soft-deletes; the creator or an admin may do it.
func (e Engine) DeleteTask(ctx context.Context, actorID, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.guardTask(ctx, actorID, t, authz.DeleteTask); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteTask(ctx, tx, taskID, e.nowRFC3339()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "task.deleted", "task", taskID, nil)
	return nil
}

// PurgeTask removes the row for good, along with its dependency edges in
// both directions.
func (e Engine) PurgeTask(ctx context.Context, actorID, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.guardTask(ctx, actorID, t, authz.DeleteTask); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.PurgeTask(ctx, tx, taskID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "task.purged", "task", taskID, nil)
	return nil
}

func (e Engine) ListTasks(ctx context.Context, actorID string, f repo.TaskFilters) ([]domain.Task, error) {
	if f.ProjectID != "" {
		if err := e.guardProject(ctx, actorID, f.ProjectID, authz.ViewProject); err != nil {
			return nil, err
		}
	} else {
		// without a project filter, show only the actor's projects
		f.MemberUserID = actorID
	}
	return e.Repo.ListTasks(ctx, f)
}

// --- helpers ---

func taskState(t domain.Task) State {
	return State{
		Status:          t.Status,
		Progress:        t.Progress,
		CompletedAt:     t.CompletedAt,
		CompletedBy:     t.CompletedBy,
		StatusChangedAt: t.StatusChangedAt,
		StatusChangedBy: t.StatusChangedBy,
	}
}

func projectState(p domain.Project) State {
	return State{
		Status:      p.Status,
		Progress:    p.Progress,
		CompletedAt: p.CompletedAt,
		CompletedBy: p.CompletedBy,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
