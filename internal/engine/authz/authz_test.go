package authz

import (
	"errors"
	"testing"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

func member(role string) Input {
	return Input{UserID: "u1", Role: role, IsMember: true, ProjectOwnerID: "owner"}
}

func TestNonMemberDeniedEverything(t *testing.T) {
	in := Input{UserID: "stranger", ProjectOwnerID: "owner"}
	actions := []Action{
		ViewProject, UpdateProject, UpdateProjectState, DeleteProject,
		AddMember, RemoveMember, UpdateMemberRole,
		CreateTask, UpdateTask, UpdateTaskState, DeleteTask, ManageDependencies,
	}
	for _, a := range actions {
		err := Check(in, a)
		var de DeniedError
		if !errors.As(err, &de) || de.Reason != NotAMember {
			t.Fatalf("%s: want NotAMember denial, got %v", a, err)
		}
	}
}

func TestRoleMatrix(t *testing.T) {
	cases := []struct {
		role    string
		action  Action
		allowed bool
	}{
		{domain.RoleViewer, ViewProject, true},
		{domain.RoleViewer, UpdateTaskState, true},
		{domain.RoleViewer, CreateTask, false},
		{domain.RoleViewer, UpdateTask, false},
		{domain.RoleViewer, ManageDependencies, false},
		{domain.RoleViewer, UpdateProject, false},
		{domain.RoleViewer, AddMember, false},

		{domain.RoleMember, ViewProject, true},
		{domain.RoleMember, CreateTask, true},
		{domain.RoleMember, UpdateTask, true},
		{domain.RoleMember, UpdateTaskState, true},
		{domain.RoleMember, ManageDependencies, true},
		{domain.RoleMember, UpdateProject, false},
		{domain.RoleMember, UpdateProjectState, false},
		{domain.RoleMember, AddMember, false},
		{domain.RoleMember, RemoveMember, false},
		{domain.RoleMember, UpdateMemberRole, false},

		{domain.RoleAdmin, UpdateProject, true},
		{domain.RoleAdmin, UpdateProjectState, true},
		{domain.RoleAdmin, AddMember, true},
		{domain.RoleAdmin, RemoveMember, true},
		{domain.RoleAdmin, UpdateMemberRole, true},
		{domain.RoleAdmin, DeleteTask, true},
	}
	for _, tc := range cases {
		err := Check(member(tc.role), tc.action)
		if tc.allowed && err != nil {
			t.Errorf("%s as %s: want allowed, got %v", tc.action, tc.role, err)
		}
		if !tc.allowed && err == nil {
			t.Errorf("%s as %s: want denied", tc.action, tc.role)
		}
	}
}

func TestDeleteProjectOwnerOnly(t *testing.T) {
	// role comes first: a plain member is short on role, not ownership
	err := Check(member(domain.RoleMember), DeleteProject)
	var de DeniedError
	if !errors.As(err, &de) || de.Reason != InsufficientRole {
		t.Fatalf("non-admin member: want InsufficientRole denial, got %v", err)
	}

	admin := member(domain.RoleAdmin)
	err = Check(admin, DeleteProject)
	if !errors.As(err, &de) || de.Reason != NotOwner {
		t.Fatalf("non-owner admin: want NotOwner denial, got %v", err)
	}

	owner := Input{UserID: "owner", Role: domain.RoleAdmin, IsMember: true, ProjectOwnerID: "owner"}
	if err := Check(owner, DeleteProject); err != nil {
		t.Fatalf("owner: want allowed, got %v", err)
	}
}

func TestOwnerCannotBeRemovedOrDemoted(t *testing.T) {
	in := member(domain.RoleAdmin)
	in.TargetUserID = "owner"
	for _, a := range []Action{RemoveMember, UpdateMemberRole} {
		err := Check(in, a)
		var de DeniedError
		if !errors.As(err, &de) || de.Reason != CannotModifyOwner {
			t.Fatalf("%s on owner: want CannotModifyOwner, got %v", a, err)
		}
	}
	// the owner cannot demote themselves either
	self := Input{UserID: "owner", Role: domain.RoleAdmin, IsMember: true, ProjectOwnerID: "owner", TargetUserID: "owner"}
	if err := Check(self, UpdateMemberRole); err == nil {
		t.Fatalf("owner demoting self: want denial")
	}
}

func TestDeleteTaskCreatorOrAdmin(t *testing.T) {
	creator := member(domain.RoleMember)
	creator.TaskCreatedBy = "u1"
	if err := Check(creator, DeleteTask); err != nil {
		t.Fatalf("creator: want allowed, got %v", err)
	}

	other := member(domain.RoleMember)
	other.TaskCreatedBy = "someone-else"
	if err := Check(other, DeleteTask); err == nil {
		t.Fatalf("non-creator member: want denied")
	}

	admin := member(domain.RoleAdmin)
	admin.TaskCreatedBy = "someone-else"
	if err := Check(admin, DeleteTask); err != nil {
		t.Fatalf("admin: want allowed, got %v", err)
	}
}
