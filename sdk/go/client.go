package taskmansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskman HTTP API client.
type Client struct {
	BaseURL     string
	APIToken    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Progress    int     `json:"progress"`
	OwnerID     string  `json:"owner_id"`
	StartDate   *string `json:"start_date,omitempty"`
	EndDate     *string `json:"end_date,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Task represents the API task model.
type Task struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Priority   string   `json:"priority"`
	Progress   int      `json:"progress"`
	AssigneeID *string  `json:"assignee_id,omitempty"`
	DueDate    *string  `json:"due_date,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// Membership ties a user to a project with a role.
type Membership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// SearchResult wraps paginated search responses.
type SearchResult[T any] struct {
	Items      []T                       `json:"items"`
	TotalCount int                       `json:"total_count"`
	TotalPages int                       `json:"total_pages"`
	Facets     map[string]map[string]int `json:"facets"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges a user id for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"user_id": userID}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{"name": name}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetProjectStatus drives the project lifecycle.
func (c *Client) SetProjectStatus(ctx context.Context, id, status string) (Project, error) {
	var resp Project
	endpoint := fmt.Sprintf("projects/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// AddMember adds a user to a project.
func (c *Client) AddMember(ctx context.Context, projectID, userID, role string) (Membership, error) {
	body := map[string]any{"user_id": userID}
	if role != "" {
		body["role"] = role
	}
	var resp Membership
	endpoint := fmt.Sprintf("projects/%s/members", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateTask creates a task in a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title, priority string) (Task, error) {
	body := map[string]any{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	endpoint := fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetTaskStatus drives the task lifecycle.
func (c *Client) SetTaskStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// SetTaskProgress sets task progress; 100 completes the task.
func (c *Client) SetTaskProgress(ctx context.Context, id string, progress int) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/progress", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"progress": progress}, &resp)
	return resp, err
}

// AddDependency makes a task wait on a prerequisite.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOnTaskID string) ([]string, error) {
	var resp struct {
		DependsOn []string `json:"depends_on"`
	}
	endpoint := fmt.Sprintf("tasks/%s/dependencies", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"depends_on_task_id": dependsOnTaskID}, &resp)
	return resp.DependsOn, err
}

// SearchTasks runs a scoped task search.
func (c *Client) SearchTasks(ctx context.Context, term string, page, pageSize int) (SearchResult[Task], error) {
	q := url.Values{}
	if term != "" {
		q.Set("q", term)
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}
	endpoint := "search/tasks"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp SearchResult[Task]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIToken != "":
		req.Header.Set("X-Api-Token", c.APIToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// base returns the API root including the base path, e.g.
// http://localhost:8080/api/v1.
func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
