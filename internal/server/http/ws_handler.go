package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wecode-ai/Wegent-sub007/internal/fanout"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
)

// WSHandler streams live task events over a WebSocket, for observers that
// need bidirectional framing or run behind SSE-hostile proxies.
type WSHandler struct {
	broadcaster *fanout.Broadcaster
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// NewWSHandler creates a WebSocket handler. Origin checks are delegated to
// the CORS middleware in front of the router.
func NewWSHandler(broadcaster *fanout.Broadcaster) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.NewComponentLogger("WSHandler"),
	}
}

// HandleStream upgrades the connection and forwards the task's live events
// until either side closes.
func (h *WSHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed for task %s: %v", taskID, err)
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established for task: %s", taskID)

	clientChan := make(chan fanout.Event, 100)
	history := h.broadcaster.Register(taskID, clientChan)
	defer h.broadcaster.Unregister(taskID, clientChan)

	// Drain reads so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, event := range history {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event := <-clientChan:
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("WebSocket write failed for task %s: %v", taskID, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-r.Context().Done():
			h.logger.Info("WebSocket connection closed for task: %s", taskID)
			return
		}
	}
}
