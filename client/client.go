// CLAUDE:SUMMARY Polling HTTP client: create task, poll status, retry transient faults, 404 is fatal.

// Package client is the Go client for the persona generation API. It
// owns the polling discipline: an immediate first poll, a fixed interval
// after that, retries on transient faults, and a hard stop on 404. Wire
// types are declared here so product services can depend on the client
// without pulling in the server packages.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Task statuses as they appear on the wire.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrTaskNotFound means the server no longer knows the task id, either
// because it never existed or because retention swept it. Fatal for
// polling.
var ErrTaskNotFound = errors.New("client: task not found")

// APIError is a non-2xx response the server produced deliberately.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.StatusCode, e.Message)
}

// CreateTaskRequest mirrors the server's generation request.
type CreateTaskRequest struct {
	OnboardingData    map[string]any `json:"onboarding_data"`
	SelectedPlatforms []string       `json:"selected_platforms"`
	UserPreferences   map[string]any `json:"user_preferences,omitempty"`
}

// ProgressMessage is one entry in a task's progress log.
type ProgressMessage struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is the polling view of a generation task. Result stays raw JSON;
// callers decode it into their own persona types when they need more
// than the status.
type Task struct {
	ID          string            `json:"task_id"`
	Status      string            `json:"status"`
	Progress    []ProgressMessage `json:"progress_messages"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Client talks to one persona service.
type Client struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPollInterval sets the fixed delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithLogger sets the logger for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the service at baseURL (scheme and host, no
// trailing path). Defaults: 15s per-request timeout, 2s poll interval.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		interval: 2 * time.Second,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateTask submits a generation request. The returned task is pending
// (201) or, on a submit-time cache hit, already completed (200).
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/persona/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: create task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("client: decode task: %w", err)
	}
	return &task, nil
}

// GetTaskStatus fetches the current polling view. Idempotent.
// ErrTaskNotFound means the id is unknown or already swept.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*Task, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/persona/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: poll task: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	default:
		return nil, apiError(resp)
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("client: decode task: %w", err)
	}
	return &task, nil
}

// PollUntilTerminal polls the task until it completes or fails: one
// immediate poll, then one per interval. Transient faults are logged and
// retried until the caller's context expires; ErrTaskNotFound and other
// deliberate server answers end the poll.
func (c *Client) PollUntilTerminal(ctx context.Context, taskID string) (*Task, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		task, err := c.GetTaskStatus(ctx, taskID)
		if err == nil {
			if task.Terminal() {
				return task, nil
			}
		} else if !transient(err) {
			return nil, err
		} else {
			c.logger.Warn("persona poll failed, retrying", "task", taskID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// transient reports whether a poll error is worth retrying: network
// faults and server-side 5xx. Anything the server answered on purpose
// (404, other 4xx) is final, as is the caller's own context expiring.
func transient(err error) bool {
	var api *APIError
	if errors.As(err, &api) {
		return api.StatusCode >= 500
	}
	if errors.Is(err, ErrTaskNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// apiError decodes the server's {"error": "..."} body into an APIError.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
