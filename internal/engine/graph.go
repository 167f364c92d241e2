package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kurobe2240/task-management-api/internal/activity"
	"github.com/kurobe2240/task-management-api/internal/engine/authz"
)

var (
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrCyclicDependency  = errors.New("dependency would create a cycle")
)

// AddDependency records that taskID cannot start until dependsOnID is done.
// Re-adding an existing edge succeeds without effect.
func (e Engine) AddDependency(ctx context.Context, actorID, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: task cannot depend on itself", ErrInvalidDependency)
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.guardTask(ctx, actorID, task, authz.ManageDependencies); err != nil {
		return err
	}
	prereq, err := e.Repo.GetTask(ctx, dependsOnID)
	if err != nil {
		return fmt.Errorf("%w: prerequisite: %v", ErrInvalidDependency, err)
	}
	if prereq.ProjectID != task.ProjectID {
		if err := e.guardProject(ctx, actorID, prereq.ProjectID, authz.ViewProject); err != nil {
			return err
		}
	}

	// The check-then-insert must not interleave with another edge write, or
	// two concurrent inserts could each pass the cycle check and together
	// close a loop.
	e.depMu.Lock()
	defer e.depMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Walk from the prerequisite: if taskID is reachable, the new edge
	// closes a cycle.
	visited := map[string]bool{}
	queue := []string{dependsOnID}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		next, err := e.Repo.DirectPrerequisites(ctx, tx, cur)
		if err != nil {
			return err
		}
		for _, n := range next {
			if n == taskID {
				return ErrCyclicDependency
			}
			if !visited[n] {
				queue = append(queue, n)
			}
		}
	}

	at := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.AddDependency(ctx, tx, taskID, dependsOnID, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "dependency.added", "task", taskID, activity.Detail{"depends_on": dependsOnID})
	return nil
}

// RemoveDependency drops an edge. Removing a missing edge succeeds.
func (e Engine) RemoveDependency(ctx context.Context, actorID, taskID, dependsOnID string) error {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.guardTask(ctx, actorID, task, authz.ManageDependencies); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveDependency(ctx, tx, taskID, dependsOnID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Activity.Record(ctx, actorID, "dependency.removed", "task", taskID, activity.Detail{"depends_on": dependsOnID})
	return nil
}

// Dependencies lists the live prerequisites of a task.
func (e Engine) Dependencies(ctx context.Context, actorID, taskID string) ([]string, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.guardTask(ctx, actorID, task, authz.ViewProject); err != nil {
		return nil, err
	}
	return e.Repo.ListTaskDependencies(ctx, nil, taskID)
}
