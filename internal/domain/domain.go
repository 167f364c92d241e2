package domain

type User struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Active        bool    `json:"active"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DeactivatedAt *string `json:"deactivated_at,omitempty" format:"date-time"`
}

type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"planning,active,on_hold,completed,cancelled"`
	Progress    int     `json:"progress"`
	OwnerID     string  `json:"owner_id"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	EndDate     *string `json:"end_date,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time"`
}

type Membership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"admin,member,viewer"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status" enum:"not_started,in_progress,on_hold,completed,cancelled"`
	Priority        string   `json:"priority" enum:"low,medium,high,urgent"`
	Progress        int      `json:"progress"`
	AssigneeID      *string  `json:"assignee_id,omitempty"`
	DueDate         *string  `json:"due_date,omitempty" format:"date-time"`
	CreatedBy       string   `json:"created_by"`
	StatusChangedBy *string  `json:"status_changed_by,omitempty"`
	StatusChangedAt *string  `json:"status_changed_at,omitempty" format:"date-time"`
	AssignedAt      *string  `json:"assigned_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy     *string  `json:"completed_by,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	DeletedAt       *string  `json:"deleted_at,omitempty" format:"date-time"`
}

// Dependency is a directed edge: TaskID cannot start until DependsOnID is done.
type Dependency struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_task_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ActivityEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Detail     string `json:"detail_json,omitempty"`
}

type APIToken struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	TokenHash string `json:"token_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Task statuses.
const (
	TaskNotStarted = "not_started"
	TaskInProgress = "in_progress"
	TaskOnHold     = "on_hold"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Project statuses.
const (
	ProjectPlanning  = "planning"
	ProjectActive    = "active"
	ProjectOnHold    = "on_hold"
	ProjectCompleted = "completed"
	ProjectCancelled = "cancelled"
)

// Task priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Membership roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

func ValidTaskStatus(s string) bool {
	switch s {
	case TaskNotStarted, TaskInProgress, TaskOnHold, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

func ValidProjectStatus(s string) bool {
	switch s {
	case ProjectPlanning, ProjectActive, ProjectOnHold, ProjectCompleted, ProjectCancelled:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func ValidRole(r string) bool {
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// PriorityRank maps a priority to its sort weight. Unknown values sort first.
func PriorityRank(p string) int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}
