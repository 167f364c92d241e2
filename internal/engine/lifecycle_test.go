package engine

import (
	"errors"
	"testing"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

func TestApplyStatusCompletesWithStamps(t *testing.T) {
	cur := State{Status: domain.TaskInProgress, Progress: 40}
	next, err := ApplyStatus(KindTask, cur, domain.TaskCompleted, "alice", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", next.Status)
	}
	if next.Progress != 100 {
		t.Fatalf("progress should be forced to 100, got %d", next.Progress)
	}
	if next.CompletedAt == nil || next.CompletedBy == nil || *next.CompletedBy != "alice" {
		t.Fatalf("completion stamps missing: %+v", next)
	}
	if next.StatusChangedAt == nil || next.StatusChangedBy == nil {
		t.Fatalf("status change stamps missing: %+v", next)
	}
}

func TestApplyStatusLeavingCompletedKeepsProgress(t *testing.T) {
	now := "2024-01-01T00:00:00Z"
	done := "2023-12-31T00:00:00Z"
	by := "alice"
	cur := State{Status: domain.TaskCompleted, Progress: 100, CompletedAt: &done, CompletedBy: &by}
	next, err := ApplyStatus(KindTask, cur, domain.TaskInProgress, "bob", now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Progress != 100 {
		t.Fatalf("progress should be untouched, got %d", next.Progress)
	}
	if next.CompletedAt != nil || next.CompletedBy != nil {
		t.Fatalf("completion stamps should be cleared: %+v", next)
	}
}

func TestApplyStatusSameStatusIsNoOp(t *testing.T) {
	when := "2023-11-01T00:00:00Z"
	by := "alice"
	cur := State{Status: domain.TaskInProgress, Progress: 30, StatusChangedAt: &when, StatusChangedBy: &by}
	next, err := ApplyStatus(KindTask, cur, domain.TaskInProgress, "bob", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next != cur {
		t.Fatalf("no-op changed state: %+v", next)
	}
}

func TestApplyStatusRejectsUnknown(t *testing.T) {
	_, err := ApplyStatus(KindTask, State{Status: domain.TaskNotStarted}, "archived", "alice", "2024-01-01T00:00:00Z")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus, got %v", err)
	}
	// project statuses are not task statuses
	_, err = ApplyStatus(KindTask, State{Status: domain.TaskNotStarted}, domain.ProjectPlanning, "alice", "2024-01-01T00:00:00Z")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus for cross-kind status, got %v", err)
	}
}

func TestApplyProgressHundredCompletes(t *testing.T) {
	cur := State{Status: domain.TaskInProgress, Progress: 80}
	next, err := ApplyProgress(KindTask, cur, 100, "alice", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", next.Status)
	}
	if next.CompletedAt == nil || next.CompletedBy == nil {
		t.Fatalf("completion stamps missing: %+v", next)
	}
}

func TestApplyProgressHundredAfterReopenCompletes(t *testing.T) {
	// leaving completed keeps progress at 100; writing 100 again must
	// complete the entity even though the value does not change
	cur := State{Status: domain.TaskOnHold, Progress: 100}
	next, err := ApplyProgress(KindTask, cur, 100, "alice", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want completed", next.Status)
	}
	if next.CompletedAt == nil || next.CompletedBy == nil {
		t.Fatalf("completion stamps missing: %+v", next)
	}
}

func TestApplyProgressRegressionReopens(t *testing.T) {
	now := "2024-01-01T00:00:00Z"
	by := "alice"
	cur := State{Status: domain.TaskCompleted, Progress: 100, CompletedAt: &now, CompletedBy: &by}
	next, err := ApplyProgress(KindTask, cur, 60, "bob", "2024-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != domain.TaskInProgress {
		t.Fatalf("task should reopen to in_progress, got %s", next.Status)
	}
	if next.CompletedAt != nil || next.CompletedBy != nil {
		t.Fatalf("completion stamps should be cleared: %+v", next)
	}
}

func TestApplyProgressRegressionReopensProjectToActive(t *testing.T) {
	now := "2024-01-01T00:00:00Z"
	by := "alice"
	cur := State{Status: domain.ProjectCompleted, Progress: 100, CompletedAt: &now, CompletedBy: &by}
	next, err := ApplyProgress(KindProject, cur, 90, "bob", "2024-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != domain.ProjectActive {
		t.Fatalf("project should reopen to active, got %s", next.Status)
	}
}

func TestApplyProgressRange(t *testing.T) {
	for _, p := range []int{-1, 101, 500} {
		if _, err := ApplyProgress(KindTask, State{Status: domain.TaskNotStarted}, p, "alice", "2024-01-01T00:00:00Z"); !errors.Is(err, ErrProgressOutOfRange) {
			t.Fatalf("progress %d: want ErrProgressOutOfRange, got %v", p, err)
		}
	}
}

func TestApplyProgressSameValueIsNoOp(t *testing.T) {
	cur := State{Status: domain.TaskInProgress, Progress: 50}
	next, err := ApplyProgress(KindTask, cur, 50, "alice", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next != cur {
		t.Fatalf("no-op changed state: %+v", next)
	}
}
