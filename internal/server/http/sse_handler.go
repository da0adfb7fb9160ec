package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wecode-ai/Wegent-sub007/internal/fanout"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
)

// SSEHandler streams live task events over Server-Sent Events.
type SSEHandler struct {
	broadcaster *fanout.Broadcaster
	logger      logging.Logger
}

// NewSSEHandler creates an SSE handler.
func NewSSEHandler(broadcaster *fanout.Broadcaster) *SSEHandler {
	return &SSEHandler{
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleStream handles one SSE connection for a task's live channel. Buffered
// history is replayed first so late joiners see prior non-chunk events.
func (h *SSEHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	h.logger.Info("SSE connection established for task: %s", taskID)

	clientChan := make(chan fanout.Event, 100)
	history := h.broadcaster.Register(taskID, clientChan)
	defer h.broadcaster.Unregister(taskID, clientChan)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"task_id\":%q}\n\n", taskID); err != nil {
		h.logger.Error("Failed to send connection message: %v", err)
		return
	}
	for _, event := range history {
		if !h.writeEvent(w, event) {
			return
		}
	}
	flusher.Flush()

	// Heartbeat keeps intermediaries from closing the idle connection.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event := <-clientChan:
			if !h.writeEvent(w, event) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				h.logger.Debug("SSE heartbeat failed for task %s: %v", taskID, err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			h.logger.Info("SSE connection closed for task: %s", taskID)
			return
		}
	}
}

func (h *SSEHandler) writeEvent(w http.ResponseWriter, event fanout.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to serialize event: %v", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data); err != nil {
		h.logger.Error("Failed to send SSE message: %v", err)
		return false
	}
	return true
}
