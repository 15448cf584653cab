package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskmirror/internal/tasks"
)

type createTaskRequest struct {
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be one of: session, report, podcast, file")
		return
	}
	if kind != tasks.KindFile && strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	task, err := s.svc.CreateTask(r.Context(), kind, strings.TrimSpace(req.Prompt))
	if err != nil {
		respondError(w, http.StatusBadGateway, "task_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var kind tasks.TaskKind
	if raw := strings.TrimSpace(r.URL.Query().Get("kind")); raw != "" {
		k, ok := parseKind(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid_kind", "kind must be one of: session, report, podcast, file")
			return
		}
		kind = k
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tasks":       s.cache.List(kind),
		"active_task": s.svc.Active(),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	task, ok := s.cache.Get(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.svc.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "task_cancel_failed", err.Error())
		return
	}
	task, _ := s.cache.Get(taskID)
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleActivateTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.svc.SwitchActiveTask(r.Context(), taskID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "task_activate_failed", err.Error())
		return
	}
	task, _ := s.cache.Get(taskID)
	respondJSON(w, http.StatusOK, task)
}

func parseKind(raw string) (tasks.TaskKind, bool) {
	switch k := tasks.TaskKind(strings.TrimSpace(raw)); k {
	case tasks.KindSession, tasks.KindReport, tasks.KindPodcast, tasks.KindFile:
		return k, true
	default:
		return "", false
	}
}
