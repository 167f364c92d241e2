package engine_test

import (
	"errors"
	"testing"

	"github.com/kurobe2240/task-management-api/internal/engine"
)

func TestSelfDependencyRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "solo")
	err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, task.ID, task.ID)
	if !errors.Is(err, engine.ErrInvalidDependency) {
		t.Fatalf("want ErrInvalidDependency, got %v", err)
	}
}

func TestDirectCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, b.ID, a.ID); !errors.Is(err, engine.ErrCyclicDependency) {
		t.Fatalf("b->a: want ErrCyclicDependency, got %v", err)
	}
}

func TestTransitiveCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	c := env.createTask(t, "c")
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, b.ID, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, c.ID, a.ID); !errors.Is(err, engine.ErrCyclicDependency) {
		t.Fatalf("c->a: want ErrCyclicDependency, got %v", err)
	}
}

func TestDiamondIsNotACycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	c := env.createTask(t, "c")
	d := env.createTask(t, "d")
	for _, edge := range [][2]string{{b.ID, a.ID}, {c.ID, a.ID}, {d.ID, b.ID}, {d.ID, c.ID}} {
		if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, edge[0], edge[1]); err != nil {
			t.Fatalf("edge %v: %v", edge, err)
		}
	}
	deps, err := env.Engine.Dependencies(env.Ctx, env.Owner.ID, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 2 {
		t.Fatalf("d should have 2 prerequisites, got %v", deps)
	}
}

func TestDuplicateEdgeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatalf("re-add should succeed: %v", err)
	}
	deps, err := env.Engine.Dependencies(env.Ctx, env.Owner.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected one edge, got %v", deps)
	}
}

func TestMissingPrerequisiteRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, "no-such-task")
	if !errors.Is(err, engine.ErrInvalidDependency) {
		t.Fatalf("want ErrInvalidDependency, got %v", err)
	}
}

func TestRemoveDependencyIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.Engine.RemoveDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatalf("second remove should succeed: %v", err)
	}
	// removing the edge frees the reverse direction
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, b.ID, a.ID); err != nil {
		t.Fatalf("b->a after removal: %v", err)
	}
}

func TestSoftDeletedPrereqHiddenFromList(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	if err := env.Engine.AddDependency(env.Ctx, env.Owner.ID, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, env.Owner.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	deps, err := env.Engine.Dependencies(env.Ctx, env.Owner.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 0 {
		t.Fatalf("soft-deleted prerequisite should be hidden, got %v", deps)
	}
}

func TestCreateTaskWithDependencies(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "a")
	b, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "b",
		DependsOn: []string{a.ID},
		ActorID:   env.Owner.ID,
	})
	if err != nil {
		t.Fatalf("create with deps: %v", err)
	}
	deps, err := env.Engine.Dependencies(env.Ctx, env.Owner.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0] != a.ID {
		t.Fatalf("deps = %v", deps)
	}
}
