package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
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

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	now := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	e := engine.New(conn, config.Default(), activity.NewRecorder(conn, log, now))
	e.Now = now
	handler, err := New(Config{
		Engine: e,
		Search: search.New(conn, 10, 50),
		Auth: AuthConfig{
			JWTSecret:        "server-test-secret",
			TokenTTL:         time.Hour,
			AllowActorHeader: true,
			Logger:           log,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func registerUser(t *testing.T, srv *testServer, name, email string) UserResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/users", map[string]any{
		"name":  name,
		"email": email,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, res.StatusCode, string(data))
	}
	var u UserResponse
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	return u
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func createProject(t *testing.T, srv *testServer, actorID, name string) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/projects", map[string]any{
		"name": name,
	}, asActor(actorID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func createTask(t *testing.T, srv *testServer, actorID, projectID, title string) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/projects/"+projectID+"/tasks", map[string]any{
		"title": title,
	}, asActor(actorID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var tk domain.Task
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return tk
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", res.StatusCode)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	srv := newTestServer(t)
	u := registerUser(t, srv, "Alice", "alice@example.com")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/auth/login", map[string]any{
		"user_id": u.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("token response: %v %s", err, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/projects", nil, map[string]string{
		"Authorization": "Bearer " + tok.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects with bearer: %d %s", res.StatusCode, string(data))
	}
}

func TestTaskCompletionCouplesProgressOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	u := registerUser(t, srv, "Alice", "alice@example.com")
	p := createProject(t, srv, u.ID, "Launch")
	tk := createTask(t, srv, u.ID, p.ID, "Ship it")

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/v1/tasks/"+tk.ID+"/status", map[string]any{
		"status": domain.TaskCompleted,
	}, asActor(u.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d %s", res.StatusCode, string(data))
	}
	var done domain.Task
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.Progress != 100 {
		t.Fatalf("completion should force progress 100: %+v", done)
	}
	if done.CompletedAt == nil || done.CompletedBy == nil {
		t.Fatalf("completion stamps missing: %+v", done)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/v1/tasks/"+tk.ID+"/progress", map[string]any{
		"progress": 40,
	}, asActor(u.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set progress: %d %s", res.StatusCode, string(data))
	}
	var reopened domain.Task
	if err := json.Unmarshal(data, &reopened); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reopened.Status != domain.TaskInProgress || reopened.CompletedAt != nil {
		t.Fatalf("regression should reopen the task: %+v", reopened)
	}
}

func TestViewerForbiddenToCreateTasks(t *testing.T) {
	srv := newTestServer(t)
	owner := registerUser(t, srv, "Owner", "owner@example.com")
	viewer := registerUser(t, srv, "Viewer", "viewer@example.com")
	p := createProject(t, srv, owner.ID, "Guarded")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/projects/"+p.ID+"/members", map[string]any{
		"user_id": viewer.ID,
		"role":    domain.RoleViewer,
	}, asActor(owner.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/projects/"+p.ID+"/tasks", map[string]any{
		"title": "Not allowed",
	}, asActor(viewer.ID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v %s", err, string(data))
	}
	if env.Error.Code != "forbidden" {
		t.Fatalf("error code = %q, want forbidden", env.Error.Code)
	}
	if env.Error.Details["action"] != "task.create" {
		t.Fatalf("denied action = %v", env.Error.Details)
	}
}

func TestCycleRejectedWithConflict(t *testing.T) {
	srv := newTestServer(t)
	u := registerUser(t, srv, "Alice", "alice@example.com")
	p := createProject(t, srv, u.ID, "Graph")
	a := createTask(t, srv, u.ID, p.ID, "a")
	b := createTask(t, srv, u.ID, p.ID, "b")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/tasks/"+a.ID+"/dependencies", map[string]any{
		"depends_on_task_id": b.ID,
	}, asActor(u.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("a->b: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/tasks/"+b.ID+"/dependencies", map[string]any{
		"depends_on_task_id": a.ID,
	}, asActor(u.ID))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("b->a: expected 409, got %d %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "cyclic_dependency" {
		t.Fatalf("error code = %q, want cyclic_dependency", env.Error.Code)
	}
}

func TestMissingTaskIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	u := registerUser(t, srv, "Alice", "alice@example.com")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/tasks/no-such-task", nil, asActor(u.ID))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var env errEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", env.Error.Code)
	}
}

func TestSearchTasksEndpoint(t *testing.T) {
	srv := newTestServer(t)
	u := registerUser(t, srv, "Alice", "alice@example.com")
	p := createProject(t, srv, u.ID, "Findable")
	createTask(t, srv, u.ID, p.ID, "Write release notes")
	createTask(t, srv, u.ID, p.ID, "Fix login bug")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/search/tasks?q=release", nil, asActor(u.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %s", res.StatusCode, string(data))
	}
	var out taskSearchResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TotalCount != 1 || len(out.Items) != 1 {
		t.Fatalf("search result: %s", string(data))
	}
	if out.Items[0].Title != "Write release notes" {
		t.Fatalf("wrong hit: %+v", out.Items[0])
	}
	if len(out.Facets["status"]) == 0 {
		t.Fatalf("facets missing: %s", string(data))
	}
}

func TestDeleteProjectThenGone(t *testing.T) {
	srv := newTestServer(t)
	u := registerUser(t, srv, "Alice", "alice@example.com")
	p := createProject(t, srv, u.ID, "Doomed")

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/api/v1/projects/"+p.ID, nil, asActor(u.ID))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/projects/"+p.ID, nil, asActor(u.ID))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", res.StatusCode)
	}
}
