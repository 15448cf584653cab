package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskmirror/internal/config"
	"taskmirror/internal/tasks"
)

type fakeService struct {
	cache     *tasks.Cache
	createErr error
	active    string
	cancelled []string
}

func (f *fakeService) CreateTask(_ context.Context, kind tasks.TaskKind, _ string) (tasks.Task, error) {
	if f.createErr != nil {
		return tasks.Task{}, f.createErr
	}
	return f.cache.ApplyServerStatus("srv-1", tasks.TaskStatusRunning, ""), nil
}

func (f *fakeService) SwitchActiveTask(_ context.Context, taskID string) error {
	if _, ok := f.cache.Get(taskID); !ok {
		return tasks.ErrTaskNotFound
	}
	f.active = taskID
	return nil
}

func (f *fakeService) Cancel(_ context.Context, taskID string) error {
	if _, ok := f.cache.Get(taskID); !ok {
		return tasks.ErrTaskNotFound
	}
	f.cancelled = append(f.cancelled, taskID)
	f.cache.MarkCancelledLocal(taskID, true)
	return nil
}

func (f *fakeService) Active() string { return f.active }

func newTestServer() (*httptest.Server, *fakeService, *tasks.Cache) {
	cache := tasks.NewCache()
	svc := &fakeService{cache: cache}
	srv := New(config.Config{UpstreamBaseURL: "http://127.0.0.1:8080"}, svc, cache, nil, "in-memory")
	return httptest.NewServer(srv.Router()), svc, cache
}

func TestCreateTaskEndpoint(t *testing.T) {
	ts, _, _ := newTestServer()
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"kind": "report", "prompt": "summarize Q3"})
	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create task request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created tasks.Task
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID != "srv-1" || created.Status != tasks.TaskStatusRunning {
		t.Fatalf("created = %+v, want running srv-1", created)
	}
}

func TestCreateTaskRejectsUnknownKind(t *testing.T) {
	ts, _, _ := newTestServer()
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"kind": "sandwich", "prompt": "x"})
	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCreateTaskUpstreamFailure(t *testing.T) {
	ts, svc, _ := newTestServer()
	defer ts.Close()
	svc.createErr = errors.New("backend unavailable")

	body, _ := json.Marshal(map[string]string{"kind": "session", "prompt": "hi"})
	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestListTasksFiltersByKind(t *testing.T) {
	ts, _, cache := newTestServer()
	defer ts.Close()

	cache.Upsert("s-1", func(prev tasks.Task, _ bool) tasks.Task {
		prev.Kind = tasks.KindSession
		return prev
	})
	cache.Upsert("r-1", func(prev tasks.Task, _ bool) tasks.Task {
		prev.Kind = tasks.KindReport
		return prev
	})

	res, err := http.Get(ts.URL + "/v1/tasks?kind=report")
	if err != nil {
		t.Fatalf("list request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var out struct {
		Tasks      []tasks.Task `json:"tasks"`
		ActiveTask string       `json:"active_task"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(out.Tasks) != 1 || out.Tasks[0].ID != "r-1" {
		t.Fatalf("tasks = %+v, want only r-1", out.Tasks)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ts, _, _ := newTestServer()
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/tasks/missing")
	if err != nil {
		t.Fatalf("get request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestCancelTaskEndpoint(t *testing.T) {
	ts, svc, cache := newTestServer()
	defer ts.Close()
	cache.ApplyServerStatus("srv-1", tasks.TaskStatusRunning, "")

	res, err := http.Post(ts.URL+"/v1/tasks/srv-1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "srv-1" {
		t.Fatalf("cancelled = %v, want [srv-1]", svc.cancelled)
	}

	var out tasks.Task
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if out.Status != tasks.TaskStatusCancelled {
		t.Fatalf("Status = %q, want cancelled", out.Status)
	}
}

func TestActivateTaskEndpoint(t *testing.T) {
	ts, svc, cache := newTestServer()
	defer ts.Close()
	cache.ApplyServerStatus("srv-2", tasks.TaskStatusRunning, "")

	res, err := http.Post(ts.URL+"/v1/tasks/srv-2/activate", "application/json", nil)
	if err != nil {
		t.Fatalf("activate request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.active != "srv-2" {
		t.Fatalf("active = %q, want srv-2", svc.active)
	}

	missing, err := http.Post(ts.URL+"/v1/tasks/nope/activate", "application/json", nil)
	if err != nil {
		t.Fatalf("activate missing request error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("activate missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _, _ := newTestServer()
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}
