package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskmirror/internal/reliability"
	"taskmirror/internal/tasks"
)

// Client talks to the plain request/response task endpoints: create, poll,
// cancel. The push stream lives in internal/stream.
type Client struct {
	baseURL string
	client  *http.Client
}

// Error carries the upstream HTTP status so callers can classify the fault
// without seeing raw transport details.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Class() reliability.FaultClass {
	return reliability.ClassifyHTTPStatus(e.StatusCode)
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type CreateRequest struct {
	Kind   tasks.TaskKind `json:"kind"`
	Prompt string         `json:"prompt,omitempty"`
}

type CreateResponse struct {
	ID     string           `json:"id"`
	Status tasks.TaskStatus `json:"status"`
}

// CreateTask issues the request/response create call and returns the
// server-assigned task id and initial status.
func (c *Client) CreateTask(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("marshal create request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(payload))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("send create request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return CreateResponse{}, upstreamError(res)
	}

	var out CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return CreateResponse{}, fmt.Errorf("decode create response: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return CreateResponse{}, fmt.Errorf("create response missing task id")
	}
	if out.Status == "" {
		out.Status = tasks.TaskStatusPending
	}
	return out, nil
}

// PollTask fetches the current task snapshot.
func (c *Client) PollTask(ctx context.Context, taskID string) (tasks.Task, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("create poll request: %w", err)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("send poll request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return tasks.Task{}, upstreamError(res)
	}

	var out tasks.Task
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return tasks.Task{}, fmt.Errorf("decode poll response: %w", err)
	}
	if out.ID == "" {
		out.ID = taskID
	}
	return out, nil
}

// CancelTask asks the backend to stop the operation. Cancelling an
// already-terminal task is a no-op success on the server, so any 2xx means
// the cancel is acknowledged.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send cancel request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return upstreamError(res)
	}
	return nil
}

func upstreamError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = res.Status
	}
	return &Error{StatusCode: res.StatusCode, Message: msg}
}
