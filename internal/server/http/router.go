package http

import (
	"net/http"

	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/observability"
)

// RouterConfig carries the handlers and cross-cutting pieces the router
// composes.
type RouterConfig struct {
	API            *APIHandler
	SSE            *SSEHandler
	WS             *WSHandler
	Metrics        *observability.Metrics
	AllowedOrigins []string
	Logger         logging.Logger
}

// NewRouter builds the HTTP mux with recovery, logging, CORS, and per-route
// metrics applied to every endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := logging.OrNop(cfg.Logger)
	mux := http.NewServeMux()

	register := func(pattern, route string, handler http.HandlerFunc) {
		var h http.Handler = handler
		h = MetricsMiddleware(cfg.Metrics, route)(h)
		mux.Handle(pattern, h)
	}

	register("/api/dispatch", "dispatch", cfg.API.HandleDispatch)
	register("/api/subtasks/update", "subtask_update", cfg.API.HandleUpdateSubtask)
	register("/api/streaming/events", "streaming_event", cfg.API.HandleStreamingEvent)
	register("/api/tasks", "tasks", cfg.API.HandleTasks)
	register("/api/tasks/", "task_by_id", cfg.API.HandleTaskByID)
	register("/api/stream", "sse_stream", cfg.SSE.HandleStream)
	if cfg.WS != nil {
		register("/api/ws", "ws_stream", cfg.WS.HandleStream)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	var root http.Handler = mux
	root = CORSMiddleware(cfg.AllowedOrigins)(root)
	root = LoggingMiddleware(logger)(root)
	root = RecoveryMiddleware(logger)(root)
	return root
}
