package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskmirror/internal/config"
	"taskmirror/internal/observability"
	"taskmirror/internal/tasks"
)

// TaskService is the lifecycle surface the API exposes. The coordinator
// implements it; tests substitute a fake.
type TaskService interface {
	CreateTask(ctx context.Context, kind tasks.TaskKind, prompt string) (tasks.Task, error)
	SwitchActiveTask(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Active() string
}

type Server struct {
	cfg          config.Config
	svc          TaskService
	cache        *tasks.Cache
	metrics      *observability.Metrics
	snapshotMode string
}

func New(cfg config.Config, svc TaskService, cache *tasks.Cache, metrics *observability.Metrics, snapshotMode string) *Server {
	return &Server{
		cfg:          cfg,
		svc:          svc,
		cache:        cache,
		metrics:      metrics,
		snapshotMode: snapshotMode,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Post("/v1/tasks/{id}/activate", s.handleActivateTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"upstream":       s.cfg.UpstreamBaseURL,
		"snapshot_store": s.snapshotMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"snapshot_store": s.snapshotMode,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
