package huddlesdk

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

// Client is a minimal Huddle HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Room is a shared workspace.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Session is one working meeting inside a room.
type Session struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Topic     string `json:"topic,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Vote is one member's latest position on an approval.
type Vote struct {
	ApprovalID string  `json:"approval_id"`
	UserID     string  `json:"user_id"`
	Vote       string  `json:"vote"`
	Comment    *string `json:"comment,omitempty"`
	VotedAt    string  `json:"voted_at"`
}

// Approval is an approval request, optionally carrying the live tally.
type Approval struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    string         `json:"created_at"`
	ResolvedAt   *string        `json:"resolved_at,omitempty"`
	Votes        []Vote         `json:"votes,omitempty"`
	ApproveCount *int           `json:"approve_count,omitempty"`
	ChangeCount  *int           `json:"change_count,omitempty"`
	MemberCount  *int           `json:"member_count,omitempty"`
	UserVote     *string        `json:"user_vote,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID           string  `json:"id"`
	TeamID       string  `json:"team_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status"`
	Priority     *int    `json:"priority,omitempty"`
	DueAt        *string `json:"due_at,omitempty"`
	EffortPoints *int    `json:"effort_points,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// Dependency is a directed edge between two tasks of one team.
type Dependency struct {
	TeamID         string  `json:"team_id"`
	BlockingTaskID string  `json:"blocking_task_id"`
	BlockedTaskID  string  `json:"blocked_task_id"`
	DependencyType string  `json:"dependency_type"`
	Weight         float64 `json:"weight"`
	CreatedAt      string  `json:"created_at"`
}

// LogEntry is one row of a room's activity log.
type LogEntry struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Actor     *string        `json:"actor"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// LogPage wraps a log listing with its resume cursor.
type LogPage struct {
	Logs       []LogEntry `json:"logs"`
	NextCursor *int64     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRoom creates a room owned by the caller.
func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	var resp Room
	err := c.do(ctx, http.MethodPost, "rooms", map[string]any{"name": name}, &resp)
	return resp, err
}

// AddRoomMember adds a user to a room.
func (c *Client) AddRoomMember(ctx context.Context, roomID, userID, role string) error {
	body := map[string]any{"user_id": userID}
	if role != "" {
		body["role"] = role
	}
	endpoint := fmt.Sprintf("rooms/%s/members", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// CreateSession starts a session in a room.
func (c *Client) CreateSession(ctx context.Context, roomID, topic string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("rooms/%s/sessions", url.PathEscape(roomID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"topic": topic}, &resp)
	return resp, err
}

// OpenApproval opens a pending approval request in a session.
func (c *Client) OpenApproval(ctx context.Context, sessionID, approvalType string, payload map[string]any) (Approval, error) {
	body := map[string]any{"type": approvalType}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Approval
	endpoint := fmt.Sprintf("sessions/%s/approvals", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CastVote casts or replaces the caller's vote.
func (c *Client) CastVote(ctx context.Context, approvalID, vote, comment string) (Vote, error) {
	body := map[string]any{"vote": vote}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Vote
	endpoint := fmt.Sprintf("approvals/%s/votes", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetApproval fetches an approval with its live tally.
func (c *Client) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("approvals/%s", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveApproval settles a pending approval with a terminal outcome.
func (c *Client) ResolveApproval(ctx context.Context, approvalID, outcome string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("approvals/%s/resolve", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

// CreateTask creates a task in a team.
func (c *Client) CreateTask(ctx context.Context, teamID, title string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("teams/%s/tasks", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"title": title}, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task to a new status.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// AddDependency registers a blocking edge between two tasks.
func (c *Client) AddDependency(ctx context.Context, teamID, blockingTaskID, blockedTaskID string) (Dependency, error) {
	body := map[string]any{
		"blocking_task_id": blockingTaskID,
		"blocked_task_id":  blockedTaskID,
	}
	var resp Dependency
	endpoint := fmt.Sprintf("teams/%s/dependencies", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RemoveDependency deletes a dependency edge.
func (c *Client) RemoveDependency(ctx context.Context, teamID, blockingTaskID, blockedTaskID string) error {
	endpoint := fmt.Sprintf("teams/%s/dependencies/%s/%s",
		url.PathEscape(teamID), url.PathEscape(blockingTaskID), url.PathEscape(blockedTaskID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Logs returns one page of a room's activity log, newest first. Pass the
// returned NextCursor to resume; a nil cursor means the log is exhausted.
func (c *Client) Logs(ctx context.Context, roomID string, limit int, cursor int64) (LogPage, error) {
	endpoint := fmt.Sprintf("rooms/%s/logs", url.PathEscape(roomID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%d", endpoint, sep, cursor)
	}
	var resp LogPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
