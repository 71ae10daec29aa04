package foremansdk

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

// Client is a minimal Foreman HTTP API client, intended for agent loops
// that pick, work, and complete tasks against a running fm server.
type Client struct {
	BaseURL     string
	ProjectID   string
	AgentID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Key       *string  `json:"key,omitempty"`
	Title     string   `json:"title"`
	Goal      string   `json:"goal,omitempty"`
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Risk      string   `json:"risk"`
	LockOwner *string  `json:"lock_owner,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Gates     []string `json:"gates,omitempty"`
}

// Artifact represents a work product attached to a task.
type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	URI       string `json:"uri"`
	Note      string `json:"note,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// GateRun represents one verification of a gate.
type GateRun struct {
	ID        string  `json:"id"`
	GateID    string  `json:"gate_id"`
	TaskID    *string `json:"task_id,omitempty"`
	Status    string  `json:"status"`
	Stdout    string  `json:"stdout,omitempty"`
	Stderr    string  `json:"stderr,omitempty"`
	ExitCode  int     `json:"exit_code"`
	CreatedAt string  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// ImportResult summarises a plan import.
type ImportResult struct {
	Created  int               `json:"created"`
	Updated  int               `json:"updated"`
	Keys     map[string]string `json:"keys"`
	Warnings []string          `json:"warnings,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNoTaskAvailable reports whether the error is the pick endpoint saying
// the ready pool is empty.
func IsNoTaskAvailable(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound &&
		strings.Contains(apiErr.Body, "no_task_available")
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, taskType string) (Task, error) {
	body := map[string]any{
		"title": title,
		"type":  taskType,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// PickTask asks the server for the next ready task, locked for this agent.
func (c *Client) PickTask(ctx context.Context, strategy string) (Task, error) {
	body := map[string]any{
		"agent_id": c.AgentID,
	}
	if strategy != "" {
		body["strategy"] = strategy
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks/pick"), body, &resp)
	return resp, err
}

// StartTask moves a locked task to in_progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (Task, error) {
	body := map[string]any{"agent_id": c.AgentID}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/start", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// BlockTask marks a task blocked and releases its lock.
func (c *Client) BlockTask(ctx context.Context, taskID, reason string) (Task, error) {
	body := map[string]any{"reason": reason}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/block", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteTask finishes a task. All required gates must be satisfied and an
// artifact must be attached, or the server rejects with a 422.
func (c *Client) CompleteTask(ctx context.Context, taskID string, artifactIDs []string) (Task, error) {
	body := map[string]any{}
	if len(artifactIDs) > 0 {
		body["artifact_ids"] = artifactIDs
	}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/done", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddArtifact attaches a work product to a task.
func (c *Client) AddArtifact(ctx context.Context, taskID, kind, uri, note string) (Artifact, error) {
	body := map[string]any{
		"kind": kind,
		"uri":  uri,
		"note": note,
	}
	var resp Artifact
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/artifacts", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RunGate executes a gate, optionally scoped to a task.
func (c *Client) RunGate(ctx context.Context, name, taskID string) (GateRun, error) {
	body := map[string]any{}
	if taskID != "" {
		body["task_id"] = taskID
	}
	var resp GateRun
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/run", url.PathEscape(name)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ImportPlan sends a markdown plan document for reconciliation.
func (c *Client) ImportPlan(ctx context.Context, markdown string) (ImportResult, error) {
	body := map[string]any{"markdown": markdown}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, c.projectPath("plan/import"), body, &resp)
	return resp, err
}

// ExportPlan fetches the project plan as markdown.
func (c *Client) ExportPlan(ctx context.Context) (string, error) {
	var resp struct {
		Markdown string `json:"markdown"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("plan/export"), nil, &resp)
	return resp.Markdown, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
