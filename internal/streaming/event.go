package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// EventType classifies one incremental execution event.
type EventType string

const (
	EventStart          EventType = "start"
	EventChunk          EventType = "chunk"
	EventReasoning      EventType = "reasoning"
	EventThinking       EventType = "thinking"
	EventWorkbenchDelta EventType = "workbench_delta"
	EventStatus         EventType = "status"
	EventDone           EventType = "done" // alias for status=completed
	EventError          EventType = "error"
)

// Event is one raw event from a producer. Payload is decoded per type at the
// ingest boundary.
type Event struct {
	Type      EventType       `json:"event_type"`
	TaskID    string          `json:"task_id"`
	SubtaskID string          `json:"subtask_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ChunkPayload carries a main-content delta.
type ChunkPayload struct {
	Content string `json:"content"`
}

// ReasoningPayload carries a reasoning-content delta.
type ReasoningPayload struct {
	Content string `json:"content"`
}

// ThinkingPayload upserts one thinking step by index.
type ThinkingPayload struct {
	Index   int    `json:"index"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

// WorkbenchDelta is a merge patch for the session workbench. List fields
// carry explicit add/remove sets; map and scalar fields merge key-by-key.
type WorkbenchDelta struct {
	FileChanges *FileChangeDelta           `json:"file_changes,omitempty"`
	GitCommits  *GitCommitDelta            `json:"git_commits,omitempty"`
	Status      string                     `json:"status,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`
}

// FileChangeDelta adds or removes file-change entries; removal matches on
// path.
type FileChangeDelta struct {
	Add    []store.FileChange `json:"add,omitempty"`
	Remove []store.FileChange `json:"remove,omitempty"`
}

// GitCommitDelta adds or removes git-commit entries; removal matches on hash.
type GitCommitDelta struct {
	Add    []store.GitCommit `json:"add,omitempty"`
	Remove []store.GitCommit `json:"remove,omitempty"`
}

// StatusPayload carries a terminal status event.
type StatusPayload struct {
	Status store.SubtaskStatus  `json:"status"`
	Result *store.SubtaskResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
	Usage  json.RawMessage      `json:"usage,omitempty"`
}

func decodePayload[T any](event Event) (T, error) {
	var payload T
	if len(event.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return payload, nil
}
