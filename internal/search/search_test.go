package search_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kurobe2240/task-management-api/internal/activity"
	"github.com/kurobe2240/task-management-api/internal/config"
	"github.com/kurobe2240/task-management-api/internal/db"
	"github.com/kurobe2240/task-management-api/internal/domain"
	"github.com/kurobe2240/task-management-api/internal/engine"
	"github.com/kurobe2240/task-management-api/internal/migrate"
	"github.com/kurobe2240/task-management-api/internal/search"
)

type fixture struct {
	Search  search.Engine
	Eng     engine.Engine
	Ctx     context.Context
	Member  domain.User
	Outside domain.User
	Mine    domain.Project
	Other   domain.Project
}

// newFixture seeds two projects: Member belongs to Mine with 25 tasks,
// Outside owns Other with 3 tasks Member must never see.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	now := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	eng := engine.New(conn, config.Default(), activity.NewRecorder(conn, log, now))
	eng.Now = now
	ctx := context.Background()

	member, err := eng.RegisterUser(ctx, engine.UserCreateOptions{Name: "Member", Email: "member@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	outside, err := eng.RegisterUser(ctx, engine.UserCreateOptions{Name: "Outside", Email: "outside@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	mine, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Visible Work", OwnerID: member.ID})
	if err != nil {
		t.Fatal(err)
	}
	other, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Hidden Work", OwnerID: outside.ID})
	if err != nil {
		t.Fatal(err)
	}

	statuses := []string{domain.TaskNotStarted, domain.TaskInProgress, domain.TaskOnHold, domain.TaskCompleted, domain.TaskCancelled}
	priorities := []string{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent}
	for i := 0; i < 25; i++ {
		tk, err := eng.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID: mine.ID,
			Title:     fmt.Sprintf("Task %02d", i),
			Priority:  priorities[i%len(priorities)],
			ActorID:   member.ID,
		})
		if err != nil {
			t.Fatalf("seed task %d: %v", i, err)
		}
		if status := statuses[i%len(statuses)]; status != domain.TaskNotStarted {
			if _, err := eng.SetTaskStatus(ctx, member.ID, tk.ID, status); err != nil {
				t.Fatalf("seed status %d: %v", i, err)
			}
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := eng.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID: other.ID,
			Title:     fmt.Sprintf("Secret %d", i),
			ActorID:   outside.ID,
		}); err != nil {
			t.Fatalf("seed hidden task: %v", err)
		}
	}

	return &fixture{
		Search:  search.New(conn, 10, 50),
		Eng:     eng,
		Ctx:     ctx,
		Member:  member,
		Outside: outside,
		Mine:    mine,
		Other:   other,
	}
}

func TestSearchScopedToMembership(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{Size: 50})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.TotalCount != 25 {
		t.Fatalf("total = %d, want 25", res.TotalCount)
	}
	for _, item := range res.Items {
		if item.ProjectID != f.Mine.ID {
			t.Fatalf("leaked task from project %s", item.ProjectID)
		}
	}
}

func TestSearchPagination(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 10 {
		t.Fatalf("default page size: got %d items", len(res.Items))
	}
	if res.TotalPages != 3 {
		t.Fatalf("total pages = %d, want 3", res.TotalPages)
	}

	last, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{Number: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Items) != 5 {
		t.Fatalf("last page: got %d items, want 5", len(last.Items))
	}

	empty, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{Number: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.Items) != 0 || empty.TotalCount != 25 {
		t.Fatalf("past-the-end page: %d items, total %d", len(empty.Items), empty.TotalCount)
	}
}

func TestSearchPageSizeClamped(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{Size: 500})
	if err != nil {
		t.Fatal(err)
	}
	// 25 rows fit inside the 50 cap, so the clamp shows in TotalPages math
	if res.TotalPages != 1 {
		t.Fatalf("total pages = %d", res.TotalPages)
	}
	if len(res.Items) != 25 {
		t.Fatalf("items = %d", len(res.Items))
	}
}

func TestSearchDefaultOrderIsNewestFirst(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{Size: 50})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(res.Items); i++ {
		if res.Items[i-1].CreatedAt < res.Items[i].CreatedAt {
			t.Fatalf("items out of order at %d: %s < %s", i, res.Items[i-1].CreatedAt, res.Items[i].CreatedAt)
		}
	}
}

func TestSearchStatusPredicateAndFacets(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{
		Predicates: []search.Predicate{{Field: "status", Op: search.OpEq, Value: domain.TaskCompleted}},
	}, search.Sort{}, search.Page{Size: 50})
	if err != nil {
		t.Fatal(err)
	}
	// statuses cycle over 25 tasks, 5 per status
	if res.TotalCount != 5 {
		t.Fatalf("completed count = %d, want 5", res.TotalCount)
	}
	for _, item := range res.Items {
		if item.Status != domain.TaskCompleted {
			t.Fatalf("wrong status in result: %s", item.Status)
		}
	}
	// facets describe the filtered set, not the page
	if res.Facets["status"][domain.TaskCompleted] != 5 {
		t.Fatalf("status facet = %v", res.Facets["status"])
	}
	if len(res.Facets["priority"]) == 0 {
		t.Fatalf("priority facet missing")
	}
}

func TestSearchUnfilteredFacetsCoverAll(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{})
	if err != nil {
		t.Fatal(err)
	}
	sum := 0
	for _, n := range res.Facets["status"] {
		sum += n
	}
	if sum != 25 {
		t.Fatalf("status facet sum = %d, want 25 (facets must ignore paging)", sum)
	}
}

func TestSearchPrioritySort(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{Key: "priority", Descending: true}, search.Page{Size: 50})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(res.Items); i++ {
		if domain.PriorityRank(res.Items[i-1].Priority) < domain.PriorityRank(res.Items[i].Priority) {
			t.Fatalf("priority order broken at %d: %s before %s", i, res.Items[i-1].Priority, res.Items[i].Priority)
		}
	}
}

func TestSearchUnknownFieldRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{
		Predicates: []search.Predicate{{Field: "password", Op: search.OpEq, Value: "x"}},
	}, search.Sort{}, search.Page{})
	if err == nil || !strings.Contains(err.Error(), "unknown filter field") {
		t.Fatalf("want unknown field error, got %v", err)
	}
}

func TestSearchTermMatchesTokens(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{Term: "task 02"}, search.Sort{}, search.Page{Size: 50})
	if err != nil {
		t.Fatal(err)
	}
	// every token must match; "task" hits all, "02" narrows to Task 02 and 20-24
	if res.TotalCount == 0 || res.TotalCount == 25 {
		t.Fatalf("token search count = %d", res.TotalCount)
	}
	for _, item := range res.Items {
		lower := strings.ToLower(item.Title)
		if !strings.Contains(lower, "task") || !strings.Contains(lower, "02") {
			t.Fatalf("item %q does not match both tokens", item.Title)
		}
	}
}

func TestSearchExactPhrase(t *testing.T) {
	f := newFixture(t)
	for _, title := range []string{"Fix login bug", "Login page bug triage", "Bug in login flow"} {
		if _, err := f.Eng.CreateTask(f.Ctx, engine.TaskCreateOptions{
			ProjectID: f.Mine.ID,
			Title:     title,
			ActorID:   f.Member.ID,
		}); err != nil {
			t.Fatalf("seed %q: %v", title, err)
		}
	}

	// substring mode: every title contains both tokens
	tokens, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{Term: "login bug"}, search.Sort{}, search.Page{Size: 50})
	if err != nil {
		t.Fatal(err)
	}
	if tokens.TotalCount != 3 {
		t.Fatalf("token mode count = %d, want 3", tokens.TotalCount)
	}

	// phrase mode: only the contiguous "login bug" survives
	phrase, err := f.Search.SearchTasks(f.Ctx, f.Member.ID, search.Criteria{Term: "login bug", ExactPhrase: true}, search.Sort{}, search.Page{Size: 50})
	if err != nil {
		t.Fatal(err)
	}
	if phrase.TotalCount != 1 {
		t.Fatalf("phrase mode count = %d, want 1", phrase.TotalCount)
	}
	if phrase.Items[0].Title != "Fix login bug" {
		t.Fatalf("phrase hit = %q", phrase.Items[0].Title)
	}
}

func TestSearchProjects(t *testing.T) {
	f := newFixture(t)
	res, err := f.Search.SearchProjects(f.Ctx, f.Member.ID, search.Criteria{}, search.Sort{}, search.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 1 {
		t.Fatalf("member should see 1 project, got %d", res.TotalCount)
	}
	if res.Items[0].ID != f.Mine.ID {
		t.Fatalf("wrong project: %s", res.Items[0].ID)
	}
	if res.Items[0].TaskCount != 25 {
		t.Fatalf("task count = %d, want 25", res.Items[0].TaskCount)
	}
	if res.Facets["status"][domain.ProjectPlanning] != 1 {
		t.Fatalf("status facet = %v", res.Facets)
	}
}

func TestSearchProjectsByTaskCount(t *testing.T) {
	f := newFixture(t)
	// Outside belongs to only one project but exercises the sort key anyway
	res, err := f.Search.SearchProjects(f.Ctx, f.Outside.ID, search.Criteria{}, search.Sort{Key: "task_count", Descending: true}, search.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 1 || res.Items[0].TaskCount != 3 {
		t.Fatalf("unexpected result: total=%d items=%+v", res.TotalCount, res.Items)
	}
}
