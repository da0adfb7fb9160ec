package http

import (
	"net/http"
	"strings"

	"github.com/wecode-ai/Wegent-sub007/internal/dispatch"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/server/app"
	"github.com/wecode-ai/Wegent-sub007/internal/status"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
	"github.com/wecode-ai/Wegent-sub007/internal/streaming"
)

// APIHandler exposes the dispatch, subtask-update, and streaming-event
// operations plus the task CRUD supplement.
type APIHandler struct {
	tasks      *app.TaskService
	dispatcher *dispatch.Dispatcher
	aggregator *status.Aggregator
	ingestor   *streaming.Ingestor
	logger     logging.Logger
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(tasks *app.TaskService, dispatcher *dispatch.Dispatcher,
	aggregator *status.Aggregator, ingestor *streaming.Ingestor) *APIHandler {
	return &APIHandler{
		tasks:      tasks,
		dispatcher: dispatcher,
		aggregator: aggregator,
		ingestor:   ingestor,
		logger:     logging.NewComponentLogger("APIHandler"),
	}
}

type dispatchRequest struct {
	Status            string   `json:"status,omitempty"`
	Limit             int      `json:"limit,omitempty"`
	TaskIDs           []string `json:"task_ids,omitempty"`
	ExecutorName      string   `json:"executor_name,omitempty"`
	ExecutorNamespace string   `json:"executor_namespace,omitempty"`
}

// HandleDispatch claims work for a worker. An empty result is a normal
// outcome, not an error.
func (h *APIHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := h.dispatcher.Claim(r.Context(), dispatch.ClaimRequest{
		Status:            store.SubtaskStatus(req.Status),
		Limit:             req.Limit,
		TaskIDs:           req.TaskIDs,
		ExecutorName:      req.ExecutorName,
		ExecutorNamespace: req.ExecutorNamespace,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if report.Contexts == nil {
		report.Contexts = []*dispatch.ExecutionContext{}
	}
	writeJSON(w, http.StatusOK, report)
}

type updateSubtaskRequest struct {
	SubtaskID string               `json:"subtask_id"`
	Status    *string              `json:"status,omitempty"`
	Progress  *int                 `json:"progress,omitempty"`
	Result    *store.SubtaskResult `json:"result,omitempty"`
	Error     *string              `json:"error_message,omitempty"`
	Title     *string              `json:"title,omitempty"`
}

// HandleUpdateSubtask merges a partial subtask update and returns the
// recomputed task state.
func (h *APIHandler) HandleUpdateSubtask(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req updateSubtaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SubtaskID == "" {
		writeError(w, http.StatusBadRequest, "subtask_id required")
		return
	}

	update := status.SubtaskUpdate{
		SubtaskID: req.SubtaskID,
		Progress:  req.Progress,
		Result:    req.Result,
		Error:     req.Error,
		Title:     req.Title,
	}
	if req.Status != nil {
		s := store.SubtaskStatus(*req.Status)
		update.Status = &s
	}

	result, err := h.aggregator.Apply(r.Context(), update)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleStreamingEvent ingests one streaming event.
func (h *APIHandler) HandleStreamingEvent(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var event streaming.Event
	if !decodeBody(w, r, &event) {
		return
	}
	if event.SubtaskID == "" {
		writeError(w, http.StatusBadRequest, "subtask_id required")
		return
	}

	if err := h.ingestor.Process(r.Context(), event); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type createTaskRequest struct {
	UserID string   `json:"user_id"`
	Title  string   `json:"title,omitempty"`
	Prompt string   `json:"prompt"`
	BotIDs []string `json:"bot_ids,omitempty"`
	TeamID string   `json:"team_id,omitempty"`
}

// HandleTasks serves POST /api/tasks (create) and GET /api/tasks (list).
func (h *APIHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		taskID, err := h.tasks.CreateTask(r.Context(), req.UserID, req.Title, req.Prompt, req.BotIDs, req.TeamID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
	case http.MethodGet:
		filter := store.TaskFilter{
			Status: store.TaskStatus(r.URL.Query().Get("status")),
			UserID: r.URL.Query().Get("user_id"),
			Limit:  50,
		}
		tasks, err := h.tasks.ListTasks(r.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if tasks == nil {
			tasks = []*store.Task{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleTaskByID serves GET /api/tasks/{id} and POST /api/tasks/{id}/cancel.
func (h *APIHandler) HandleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, subtasks, err := h.tasks.GetTask(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "subtasks": subtasks})
	case action == "cancel" && r.Method == http.MethodPost:
		if err := h.tasks.Cancel(r.Context(), taskID); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "cancel requested"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
