package server

import (
	"github.com/kurobe2240/task-management-api/internal/domain"
	"github.com/kurobe2240/task-management-api/internal/search"
)

// Request payloads

type RegisterUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email" format:"email"`
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type CreateProjectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	EndDate     *string `json:"end_date,omitempty" format:"date-time"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	EndDate     *string `json:"end_date,omitempty" format:"date-time"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type SetProgressRequest struct {
	Progress int `json:"progress" minimum:"0" maximum:"100"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:"admin,member,viewer"`
}

type UpdateMemberRoleRequest struct {
	Role string `json:"role" enum:"admin,member,viewer"`
}

type CreateTaskRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" format:"date-time"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type AddDependencyRequest struct {
	DependsOnTaskID string `json:"depends_on_task_id"`
}

// Response payloads

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type MembershipResponse struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"admin,member,viewer"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DependenciesResponse struct {
	TaskID    string   `json:"task_id"`
	DependsOn []string `json:"depends_on"`
}

type taskSearchResult struct {
	Items      []search.TaskRow          `json:"items"`
	TotalCount int                       `json:"total_count"`
	TotalPages int                       `json:"total_pages"`
	Facets     map[string]map[string]int `json:"facets"`
}

type projectSearchResult struct {
	Items      []search.ProjectRow       `json:"items"`
	TotalCount int                       `json:"total_count"`
	TotalPages int                       `json:"total_pages"`
	Facets     map[string]map[string]int `json:"facets"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, Active: u.Active, CreatedAt: u.CreatedAt}
}

func membershipResponse(m domain.Membership) MembershipResponse {
	return MembershipResponse{ProjectID: m.ProjectID, UserID: m.UserID, Role: m.Role, CreatedAt: m.CreatedAt}
}

func mapMemberships(in []domain.Membership) []MembershipResponse {
	out := make([]MembershipResponse, 0, len(in))
	for _, m := range in {
		out = append(out, membershipResponse(m))
	}
	return out
}
