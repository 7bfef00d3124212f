package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func writeTask(w http.ResponseWriter, status int, task Task) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(task)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	t.Cleanup(srv.Close)
	return New(srv.URL, opts...)
}

func TestCreateTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/persona/tasks" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.SelectedPlatforms) != 2 {
			t.Errorf("platforms = %v", req.SelectedPlatforms)
		}
		writeTask(w, http.StatusCreated, Task{ID: "tsk_1", Status: StatusPending, CreatedAt: time.Now().UTC()})
	}))
	c := newTestClient(t, srv)

	task, err := c.CreateTask(context.Background(), CreateTaskRequest{
		OnboardingData:    map[string]any{"business_name": "Acme"},
		SelectedPlatforms: []string{"linkedin", "blog"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID != "tsk_1" || task.Status != StatusPending {
		t.Errorf("task = %+v", task)
	}
}

func TestCreateTask_ValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"persona: no platforms selected"}`)
	}))
	c := newTestClient(t, srv)

	_, err := c.CreateTask(context.Background(), CreateTaskRequest{})
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if api.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", api.StatusCode)
	}
	if api.Message != "persona: no platforms selected" {
		t.Errorf("Message = %q", api.Message)
	}
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"persona: task not found"}`)
	}))
	c := newTestClient(t, srv)

	_, err := c.GetTaskStatus(context.Background(), "tsk_missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestPollUntilTerminal_StopsOnCompleted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeTask(w, http.StatusOK, Task{ID: "tsk_1", Status: StatusRunning})
			return
		}
		writeTask(w, http.StatusOK, Task{
			ID:     "tsk_1",
			Status: StatusCompleted,
			Result: json.RawMessage(`{"core":{"name":"Acme Voice"}}`),
		})
	}))
	c := newTestClient(t, srv, WithPollInterval(10*time.Millisecond))

	task, err := c.PollUntilTerminal(context.Background(), "tsk_1")
	if err != nil {
		t.Fatalf("PollUntilTerminal: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("Status = %q", task.Status)
	}
	if got := calls.Load(); got < 3 {
		t.Errorf("calls = %d, want >= 3", got)
	}
	var result struct {
		Core struct {
			Name string `json:"name"`
		} `json:"core"`
	}
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Core.Name != "Acme Voice" {
		t.Errorf("core name = %q", result.Core.Name)
	}
}

func TestPollUntilTerminal_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"database is locked"}`)
			return
		}
		writeTask(w, http.StatusOK, Task{ID: "tsk_1", Status: StatusFailed, Error: "core generation: boom"})
	}))
	c := newTestClient(t, srv, WithPollInterval(10*time.Millisecond))

	task, err := c.PollUntilTerminal(context.Background(), "tsk_1")
	if err != nil {
		t.Fatalf("PollUntilTerminal: %v", err)
	}
	if task.Status != StatusFailed || task.Error != "core generation: boom" {
		t.Errorf("task = %+v", task)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestPollUntilTerminal_NotFoundIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"persona: task not found"}`)
	}))
	c := newTestClient(t, srv, WithPollInterval(10*time.Millisecond))

	_, err := c.PollUntilTerminal(context.Background(), "tsk_gone")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 404)", got)
	}
}

func TestPollUntilTerminal_CallerDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTask(w, http.StatusOK, Task{ID: "tsk_1", Status: StatusRunning})
	}))
	c := newTestClient(t, srv, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := c.PollUntilTerminal(ctx, "tsk_1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestPollUntilTerminal_FirstPollIsImmediate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeTask(w, http.StatusOK, Task{ID: "tsk_1", Status: StatusCompleted})
	}))
	// An hour-long interval: only an immediate first poll can return.
	c := newTestClient(t, srv, WithPollInterval(time.Hour))

	start := time.Now()
	task, err := c.PollUntilTerminal(context.Background(), "tsk_1")
	if err != nil {
		t.Fatalf("PollUntilTerminal: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("Status = %q", task.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("first poll waited %v", elapsed)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{StatusCode: 500}, true},
		{&APIError{StatusCode: 503}, true},
		{&APIError{StatusCode: 400}, false},
		{&APIError{StatusCode: 429}, false},
		{fmt.Errorf("client: poll task: %w", ErrTaskNotFound), false},
		{context.DeadlineExceeded, false},
		{errors.New("connection refused"), true},
	}
	for _, tc := range cases {
		if got := transient(tc.err); got != tc.want {
			t.Errorf("transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
