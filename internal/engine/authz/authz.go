package authz

import (
	"fmt"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

// Action is a guarded operation.
type Action string

const (
	ViewProject        Action = "project.view"
	UpdateProject      Action = "project.update"
	UpdateProjectState Action = "project.state"
	DeleteProject      Action = "project.delete"
	AddMember          Action = "member.add"
	RemoveMember       Action = "member.remove"
	UpdateMemberRole   Action = "member.role"
	CreateTask         Action = "task.create"
	UpdateTask         Action = "task.update"
	UpdateTaskState    Action = "task.state"
	DeleteTask         Action = "task.delete"
	ManageDependencies Action = "task.deps"
)

// Deny reasons.
const (
	NotAMember        = "not a project member"
	InsufficientRole  = "insufficient role"
	NotOwner          = "only the project owner may do this"
	CannotModifyOwner = "the project owner cannot be removed or demoted"
)

// DeniedError reports a refused action with its reason.
type DeniedError struct {
	Action Action
	Reason string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Reason)
}

// Input carries everything the guard needs. It holds plain values so the
// decision is a pure function of its arguments.
type Input struct {
	UserID         string
	Role           string
	IsMember       bool
	ProjectOwnerID string
	// TargetUserID is the member being added, removed or re-roled.
	TargetUserID string
	// TaskCreatedBy is the creator of the task being acted on.
	TaskCreatedBy string
}

func deny(action Action, reason string) error {
	return DeniedError{Action: action, Reason: reason}
}

// Check decides whether the caller may perform action. Rules, in order:
// non-members are refused outright; the owner cannot be removed or demoted
// by anyone; role requirements come before ownership, so project deletion
// refuses non-admins with InsufficientRole and admin non-owners with
// NotOwner; task deletion requires the creator or an admin; viewers may
// read and drive task state but change nothing else.
func Check(in Input, action Action) error {
	if !in.IsMember {
		return deny(action, NotAMember)
	}

	switch action {
	case RemoveMember, UpdateMemberRole:
		if in.TargetUserID == in.ProjectOwnerID {
			return deny(action, CannotModifyOwner)
		}
	}

	switch action {
	case ViewProject:
		return nil
	case UpdateTaskState:
		// Any member, viewers included, may move task status and progress.
		return nil
	case DeleteProject:
		if in.Role != domain.RoleAdmin {
			return deny(action, InsufficientRole)
		}
		if in.UserID != in.ProjectOwnerID {
			return deny(action, NotOwner)
		}
		return nil
	case UpdateProject, UpdateProjectState, AddMember, RemoveMember, UpdateMemberRole:
		if in.Role != domain.RoleAdmin {
			return deny(action, InsufficientRole)
		}
		return nil
	case DeleteTask:
		if in.Role != domain.RoleAdmin && in.UserID != in.TaskCreatedBy {
			return deny(action, InsufficientRole)
		}
		return nil
	case CreateTask, UpdateTask, ManageDependencies:
		if in.Role == domain.RoleViewer {
			return deny(action, InsufficientRole)
		}
		return nil
	default:
		return deny(action, InsufficientRole)
	}
}
