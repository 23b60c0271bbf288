package curricordsdk

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

// Client is a minimal Curricord HTTP API client.
type Client struct {
	BaseURL     string
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

// Session represents an analysis session (partial).
type Session struct {
	ID           string  `json:"id"`
	TargetID     string  `json:"target_id"`
	ComparisonID *string `json:"comparison_id,omitempty"`
	Depth        string  `json:"depth"`
	WorkflowName string  `json:"workflow_name"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress_percentage"`
	Phase        string  `json:"phase,omitempty"`
	CreatedAt    string  `json:"created_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// Task represents an agent task (partial).
type Task struct {
	ID          string  `json:"id"`
	ExecutionID string  `json:"execution_id"`
	StepID      string  `json:"step_id"`
	AgentType   string  `json:"agent_type"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	Seq         int     `json:"seq"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
	AgentID     *string `json:"agent_id,omitempty"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	ResultJSON  *string `json:"result_json,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// Agent represents a registered worker agent.
type Agent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
	LastHeartbeat  string `json:"last_heartbeat"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SessionStatus bundles a session with its execution's tasks.
type SessionStatus struct {
	Session Session `json:"session"`
	Tasks   []Task  `json:"tasks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartSessionOptions carries the optional fields of StartSession.
type StartSessionOptions struct {
	ComparisonID string
	Depth        string
	Workflow     string
	Input        map[string]any
}

// StartSession begins an analysis session for a target curriculum.
func (c *Client) StartSession(ctx context.Context, targetID string, opts StartSessionOptions) (Session, error) {
	body := map[string]any{"target_id": targetID}
	if opts.ComparisonID != "" {
		body["comparison_id"] = opts.ComparisonID
	}
	if opts.Depth != "" {
		body["depth"] = opts.Depth
	}
	if opts.Workflow != "" {
		body["workflow"] = opts.Workflow
	}
	if opts.Input != nil {
		body["input"] = opts.Input
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// SessionStatus returns a session together with its tasks.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var resp SessionStatus
	endpoint := fmt.Sprintf("v0/sessions/%s", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelSession aborts a running session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/cancel", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RegisterAgent announces an agent to the scheduler.
func (c *Client) RegisterAgent(ctx context.Context, id, agentType string) (Agent, error) {
	body := map[string]any{"id": id, "type": agentType}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// Heartbeat refreshes an agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID, status string) (Agent, error) {
	body := map[string]any{"status": status}
	var resp Agent
	endpoint := fmt.Sprintf("v0/agents/%s/heartbeat", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ClaimTask atomically claims the next runnable task for an agent type.
// A nil task means the queue has nothing runnable right now.
func (c *Client) ClaimTask(ctx context.Context, agentID, agentType string) (*Task, error) {
	body := map[string]any{"agent_id": agentID, "agent_type": agentType}
	var resp struct {
		Task *Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tasks/claim", body, &resp)
	return resp.Task, err
}

// CompleteTask reports a successful task outcome.
func (c *Client) CompleteTask(ctx context.Context, taskID, agentID string, result map[string]any) (Task, error) {
	body := map[string]any{"agent_id": agentID, "result": result}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FailTask reports a failed task outcome; the scheduler decides whether
// the task is retried or the failure cascades.
func (c *Client) FailTask(ctx context.Context, taskID, agentID, errMsg string) (Task, error) {
	body := map[string]any{"agent_id": agentID, "error": errMsg}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/fail", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events for a session.
func (c *Client) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, sessionID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, sessionID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
