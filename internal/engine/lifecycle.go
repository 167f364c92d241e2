package engine

import (
	"errors"
	"fmt"

	"github.com/kurobe2240/task-management-api/internal/domain"
)

var (
	ErrInvalidStatus      = errors.New("invalid status")
	ErrProgressOutOfRange = errors.New("progress out of range")
)

type EntityKind string

const (
	KindTask    EntityKind = "task"
	KindProject EntityKind = "project"
)

// State is the lifecycle slice of a task or project: status, progress and
// the stamps that move with them.
type State struct {
	Status          string
	Progress        int
	CompletedAt     *string
	CompletedBy     *string
	StatusChangedAt *string
	StatusChangedBy *string
}

func completedStatus(kind EntityKind) string {
	if kind == KindProject {
		return domain.ProjectCompleted
	}
	return domain.TaskCompleted
}

func regressionStatus(kind EntityKind) string {
	if kind == KindProject {
		return domain.ProjectActive
	}
	return domain.TaskInProgress
}

func validStatus(kind EntityKind, s string) bool {
	if kind == KindProject {
		return domain.ValidProjectStatus(s)
	}
	return domain.ValidTaskStatus(s)
}

// ApplyStatus returns the state after an explicit status change.
// Moving into the completed status forces progress to 100 and sets
// completion stamps; moving out clears the stamps but keeps progress.
// Setting the current status is a no-op: stamps are not rewritten.
func ApplyStatus(kind EntityKind, cur State, status, actorID, now string) (State, error) {
	if !validStatus(kind, status) {
		return cur, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if status == cur.Status {
		return cur, nil
	}
	next := cur
	next.Status = status
	next.StatusChangedAt = &now
	next.StatusChangedBy = &actorID
	done := completedStatus(kind)
	if status == done {
		next.Progress = 100
		next.CompletedAt = &now
		next.CompletedBy = &actorID
	} else if cur.Status == done {
		next.CompletedAt = nil
		next.CompletedBy = nil
	}
	return next, nil
}

// ApplyProgress returns the state after a progress change. Reaching 100
// completes the entity; regressing below 100 while completed reopens it.
// Setting the current progress is a no-op only when neither coupling rule
// fires: an entity sitting at 100 in a non-completed status (reachable by
// moving it out of completed) still completes on SetProgress(100).
func ApplyProgress(kind EntityKind, cur State, progress int, actorID, now string) (State, error) {
	if progress < 0 || progress > 100 {
		return cur, fmt.Errorf("%w: %d", ErrProgressOutOfRange, progress)
	}
	next := cur
	next.Progress = progress
	done := completedStatus(kind)
	switch {
	case progress == 100 && cur.Status != done:
		next.Status = done
		next.StatusChangedAt = &now
		next.StatusChangedBy = &actorID
		next.CompletedAt = &now
		next.CompletedBy = &actorID
	case progress < 100 && cur.Status == done:
		next.Status = regressionStatus(kind)
		next.StatusChangedAt = &now
		next.StatusChangedBy = &actorID
		next.CompletedAt = nil
		next.CompletedBy = nil
	case progress == cur.Progress:
		return cur, nil
	}
	return next, nil
}
