package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wecode-ai/Wegent-sub007/internal/cache"
	"github.com/wecode-ai/Wegent-sub007/internal/dispatch"
	"github.com/wecode-ai/Wegent-sub007/internal/fanout"
	"github.com/wecode-ai/Wegent-sub007/internal/observability"
	"github.com/wecode-ai/Wegent-sub007/internal/resource"
	"github.com/wecode-ai/Wegent-sub007/internal/server/app"
	"github.com/wecode-ai/Wegent-sub007/internal/status"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
	"github.com/wecode-ai/Wegent-sub007/internal/streaming"
)

type serverFixture struct {
	store     *store.MemoryStore
	resources *resource.MemoryStore
	fanout    *fanout.Broadcaster
	router    http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	s := store.NewMemoryStore()
	r := resource.NewMemoryStore()
	broadcaster := fanout.NewBroadcaster()
	streamCache := cache.New(64, time.Minute)
	aggregator := status.New(s, nil)
	dispatcher := dispatch.New(s, r, nil, nil)
	ingestor := streaming.NewIngestor(s, streamCache, broadcaster, aggregator, nil, nil, streaming.Options{})
	tasks := app.NewTaskService(s, r, broadcaster)

	router := NewRouter(RouterConfig{
		API:     NewAPIHandler(tasks, dispatcher, aggregator, ingestor),
		SSE:     NewSSEHandler(broadcaster),
		WS:      NewWSHandler(broadcaster),
		Metrics: observability.NewMetrics(),
	})
	return &serverFixture{store: s, resources: r, fanout: broadcaster, router: router}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal body failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Decode response failed: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	f := newServerFixture(t)

	// Create a task asking to summarize X.
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"user_id": "user-1",
		"prompt":  "summarize X",
		"bot_ids": []string{"bot-1"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Create task returned %d: %s", rec.Code, rec.Body.String())
	}
	taskID := decodeResponse[map[string]string](t, rec)["task_id"]
	if taskID == "" {
		t.Fatal("Expected task_id in response")
	}

	// A worker claims it.
	rec = f.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"task_ids":      []string{taskID},
		"executor_name": "worker-a",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Dispatch returned %d: %s", rec.Code, rec.Body.String())
	}
	report := decodeResponse[dispatch.Report](t, rec)
	if len(report.Contexts) != 1 {
		t.Fatalf("Expected 1 claimed context, got %+v", report)
	}
	execCtx := report.Contexts[0]
	if execCtx.Prompt != "summarize X" {
		t.Errorf("Expected aggregated prompt, got %q", execCtx.Prompt)
	}

	// A second claim for the same task is refused.
	rec = f.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"task_ids": []string{taskID},
	})
	if got := decodeResponse[dispatch.Report](t, rec); len(got.Contexts) != 0 {
		t.Fatalf("Expected empty second claim, got %+v", got.Contexts)
	}

	// The worker streams its output.
	emit := func(eventType string, payload any) {
		t.Helper()
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Marshal payload failed: %v", err)
		}
		rec := f.do(t, http.MethodPost, "/api/streaming/events", map[string]any{
			"event_type": eventType,
			"task_id":    taskID,
			"subtask_id": execCtx.SubtaskID,
			"payload":    json.RawMessage(raw),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("Streaming event %s returned %d: %s", eventType, rec.Code, rec.Body.String())
		}
	}
	emit("start", struct{}{})
	emit("chunk", map[string]string{"content": "A"})
	emit("chunk", map[string]string{"content": "B"})
	emit("status", map[string]any{"status": "completed"})

	// The task converged.
	rec = f.do(t, http.MethodGet, "/api/tasks/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Get task returned %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Task     *store.Task      `json:"task"`
		Subtasks []*store.Subtask `json:"subtasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Decode task failed: %v", err)
	}
	if got.Task.Status != store.TaskStatusCompleted || got.Task.Progress != 100 {
		t.Errorf("Expected completed/100, got %s/%d", got.Task.Status, got.Task.Progress)
	}
	if len(got.Subtasks) != 2 {
		t.Fatalf("Expected 2 subtasks, got %d", len(got.Subtasks))
	}
	assistant := got.Subtasks[1]
	if assistant.Result == nil || assistant.Result.Value != "AB" {
		t.Errorf("Expected assistant result AB, got %+v", assistant.Result)
	}
}

func TestUpdateSubtaskEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	task := &store.Task{UserID: "user-1", Status: store.TaskStatusRunning}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	subtask := &store.Subtask{TaskID: task.ID, Role: store.RoleAssistant, Status: store.SubtaskStatusRunning}
	if err := f.store.CreateSubtask(ctx, subtask); err != nil {
		t.Fatalf("CreateSubtask failed: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/subtasks/update", map[string]any{
		"subtask_id": subtask.ID,
		"status":     "completed",
		"result":     map[string]any{"value": "done", "streaming": false},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Update returned %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeResponse[status.Result](t, rec)
	if result.TaskStatus != store.TaskStatusCompleted || result.Progress != 100 {
		t.Errorf("Expected completed/100, got %+v", result)
	}

	rec = f.do(t, http.MethodPost, "/api/subtasks/update", map[string]any{
		"subtask_id": "missing",
		"status":     "completed",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing subtask, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/subtasks/update", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty subtask id, got %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	task := &store.Task{UserID: "user-1", Status: store.TaskStatusRunning}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	observer := make(chan fanout.Event, 10)
	f.fanout.Register(task.ID, observer)
	defer f.fanout.Unregister(task.ID, observer)

	rec := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Cancel returned %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case event := <-observer:
		if event.Event != fanout.EventCancelled {
			t.Errorf("Expected cancelled event, got %s", event.Event)
		}
	default:
		t.Error("Expected cancel event on live channel")
	}

	rec = f.do(t, http.MethodPost, "/api/tasks/missing/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing task, got %d", rec.Code)
	}
}

func TestListTasksEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.store.CreateTask(ctx, &store.Task{UserID: "user-1"}); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/tasks?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("List returned %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Tasks []*store.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Decode list failed: %v", err)
	}
	if len(got.Tasks) != 3 {
		t.Errorf("Expected 3 tasks, got %d", len(got.Tasks))
	}
}

func TestMethodAndBodyValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/dispatch", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader("{broken"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/streaming/events", map[string]any{"event_type": "chunk"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing subtask id, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("Expected runtime metrics in exposition")
	}
}

func TestSSEStreamReplaysHistory(t *testing.T) {
	f := newServerFixture(t)

	f.fanout.Publish(fanout.Event{Event: fanout.EventStart, TaskID: "task-1", SubtaskID: "subtask-1"})
	f.fanout.Publish(fanout.Event{Event: fanout.EventDone, TaskID: "task-1", SubtaskID: "subtask-1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // handler writes the replay, then exits on the dead context

	req := httptest.NewRequest(http.MethodGet, "/api/stream?task_id=task-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("Expected connected preamble, got %q", body)
	}
	if !strings.Contains(body, "event: start") || !strings.Contains(body, "event: done") {
		t.Errorf("Expected history replay, got %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Expected SSE content type, got %q", got)
	}
}

func TestSSEStreamRequiresTaskID(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/stream", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without task_id, got %d", rec.Code)
	}
}
