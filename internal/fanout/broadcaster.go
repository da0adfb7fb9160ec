// Package fanout delivers live task events to currently-connected observers.
// Delivery is best-effort per client: sends never block the ingest path, and
// terminal events get a retry that evicts the oldest buffered event if needed.
package fanout

import (
	"sync"

	"github.com/wecode-ai/Wegent-sub007/internal/logging"
)

// EventName identifies what happened on the live channel.
type EventName string

const (
	EventStart     EventName = "start"
	EventChunk     EventName = "chunk"
	EventReasoning EventName = "reasoning"
	EventThinking  EventName = "thinking"
	EventWorkbench EventName = "workbench"
	EventToolStart EventName = "tool:start"
	EventToolDone  EventName = "tool:done"
	EventDone      EventName = "done"
	EventError     EventName = "error"
	EventCancelled EventName = "cancelled"
)

// Event is one live notification pushed to a task's observers.
type Event struct {
	Event     EventName `json:"event"`
	TaskID    string    `json:"task_id"`
	SubtaskID string    `json:"subtask_id,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	Content   string    `json:"content,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Broadcaster fans events out to per-task client channels.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string][]chan Event

	historyMu  sync.RWMutex
	history    map[string][]Event
	maxHistory int

	metrics broadcasterMetrics
	logger  logging.Logger
}

// broadcasterMetrics tracks delivery counters.
type broadcasterMetrics struct {
	mu sync.Mutex

	totalEventsSent   int64
	droppedEvents     int64
	totalConnections  int64
	activeConnections int64
}

// NewBroadcaster creates a broadcaster keeping up to 1000 history events per
// task for late-joining observers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[string][]chan Event),
		history:    make(map[string][]Event),
		maxHistory: 1000,
		logger:     logging.NewComponentLogger("Broadcaster"),
	}
}

// Publish delivers the event to every observer of its task. Chunk-class
// events are too frequent to log individually.
func (b *Broadcaster) Publish(event Event) {
	if event.TaskID == "" {
		return
	}

	if shouldKeepHistory(event) {
		b.storeHistory(event)
	}

	b.mu.RLock()
	clients := b.clients[event.TaskID]
	for i, ch := range clients {
		select {
		case ch <- event:
			b.metrics.incrementEventsSent()
		default:
			if b.deliverCritical(event, ch) {
				continue
			}
			b.logger.Warn("Client buffer full for task %s, dropping %s event (client %d/%d)",
				event.TaskID, event.Event, i+1, len(clients))
			b.metrics.incrementDroppedEvents()
		}
	}
	b.mu.RUnlock()
}

// deliverCritical retries terminal events, evicting the oldest buffered event
// to make room. Observers must not miss done/error.
func (b *Broadcaster) deliverCritical(event Event, ch chan Event) bool {
	if !isCriticalEvent(event) {
		return false
	}

	// The consumer may have drained the buffer since the first attempt.
	select {
	case ch <- event:
		b.metrics.incrementEventsSent()
		return true
	default:
	}

	select {
	case <-ch:
	default:
		return false
	}

	select {
	case ch <- event:
		b.logger.Warn("Client buffer saturated for task %s; dropped oldest event to deliver %s",
			event.TaskID, event.Event)
		b.metrics.incrementEventsSent()
		return true
	default:
		return false
	}
}

func isCriticalEvent(event Event) bool {
	switch event.Event {
	case EventDone, EventError, EventCancelled:
		return true
	default:
		return false
	}
}

// shouldKeepHistory filters out chunk-class events; replaying a partial
// character stream is useless without the cache projection.
func shouldKeepHistory(event Event) bool {
	switch event.Event {
	case EventChunk, EventReasoning:
		return false
	default:
		return true
	}
}

// Register subscribes a client channel to a task's events and returns any
// buffered history for replay.
func (b *Broadcaster) Register(taskID string, ch chan Event) []Event {
	b.mu.Lock()
	b.clients[taskID] = append(b.clients[taskID], ch)
	total := len(b.clients[taskID])
	b.mu.Unlock()

	b.metrics.incrementConnections()
	b.logger.Info("Client registered for task %s (total: %d)", taskID, total)
	return b.History(taskID)
}

// Unregister removes a client channel and closes it.
func (b *Broadcaster) Unregister(taskID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[taskID]
	for i, client := range clients {
		if client == ch {
			b.clients[taskID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			b.metrics.decrementConnections()
			if len(b.clients[taskID]) == 0 {
				delete(b.clients, taskID)
			}
			b.logger.Info("Client unregistered from task %s (remaining: %d)", taskID, len(b.clients[taskID]))
			break
		}
	}
}

// ClientCount returns the number of observers for a task.
func (b *Broadcaster) ClientCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[taskID])
}

func (b *Broadcaster) storeHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	history := append(b.history[event.TaskID], event)
	if len(history) > b.maxHistory {
		history = history[len(history)-b.maxHistory:]
	}
	b.history[event.TaskID] = history
}

// History returns a copy of the buffered events for a task.
func (b *Broadcaster) History(taskID string) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	history := b.history[taskID]
	if len(history) == 0 {
		return nil
	}
	out := make([]Event, len(history))
	copy(out, history)
	return out
}

// ClearHistory drops the buffered events for a task.
func (b *Broadcaster) ClearHistory(taskID string) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	delete(b.history, taskID)
}

// Metrics is the exported snapshot of broadcaster counters.
type Metrics struct {
	TotalEventsSent   int64 `json:"total_events_sent"`
	DroppedEvents     int64 `json:"dropped_events"`
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TaskCount         int   `json:"task_count"`
}

// Snapshot returns current broadcaster metrics.
func (b *Broadcaster) Snapshot() Metrics {
	b.metrics.mu.Lock()
	m := Metrics{
		TotalEventsSent:   b.metrics.totalEventsSent,
		DroppedEvents:     b.metrics.droppedEvents,
		TotalConnections:  b.metrics.totalConnections,
		ActiveConnections: b.metrics.activeConnections,
	}
	b.metrics.mu.Unlock()

	b.mu.RLock()
	m.TaskCount = len(b.clients)
	b.mu.RUnlock()
	return m
}

func (m *broadcasterMetrics) incrementEventsSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEventsSent++
}

func (m *broadcasterMetrics) incrementDroppedEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedEvents++
}

func (m *broadcasterMetrics) incrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnections++
	m.activeConnections++
}

func (m *broadcasterMetrics) decrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections--
}
