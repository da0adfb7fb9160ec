package store

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// SubtaskStatus represents the state of a single execution step.
type SubtaskStatus string

const (
	SubtaskStatusPending   SubtaskStatus = "pending"
	SubtaskStatusRunning   SubtaskStatus = "running"
	SubtaskStatusCompleted SubtaskStatus = "completed"
	SubtaskStatusFailed    SubtaskStatus = "failed"
	SubtaskStatusCancelled SubtaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Role distinguishes human turns from agent turns within a task.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Task is the top-level unit of user work. It owns an ordered sequence of
// subtasks keyed by message ID.
type Task struct {
	ID          string          `json:"task_id"`
	UserID      string          `json:"user_id"`
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress"`
	Title       string          `json:"title,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	TeamID      string          `json:"team_id,omitempty"`
	Mode        string          `json:"mode,omitempty"` // parallel | pipeline
	GitDomain   string          `json:"git_domain,omitempty"`
	GitRepo     string          `json:"git_repo,omitempty"`
	GitBranch   string          `json:"git_branch,omitempty"`
	Workspace   string          `json:"workspace,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Subtask is one execution step within a task. MessageID is strictly
// increasing per task and defines both prompt-aggregation order and
// next-subtask linkage.
type Subtask struct {
	ID                string         `json:"subtask_id"`
	TaskID            string         `json:"task_id"`
	Role              Role           `json:"role"`
	MessageID         int64          `json:"message_id"`
	Status            SubtaskStatus  `json:"status"`
	Progress          int            `json:"progress"`
	Prompt            string         `json:"prompt,omitempty"` // user turns only
	Result            *SubtaskResult `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	BotIDs            []string       `json:"bot_ids,omitempty"`
	ExecutorName      string         `json:"executor_name,omitempty"`
	ExecutorNamespace string         `json:"executor_namespace,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// SubtaskResult is the structured result payload persisted on a subtask.
// During streaming it is the projection of the in-flight session; Streaming
// flips to false on the final write.
type SubtaskResult struct {
	Value            string          `json:"value"`
	Thinking         []ThinkingStep  `json:"thinking,omitempty"`
	Workbench        *Workbench      `json:"workbench,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Streaming        bool            `json:"streaming"`
	Usage            json.RawMessage `json:"usage,omitempty"`
}

// Clone returns a deep copy so store callers cannot alias internal state.
func (r *SubtaskResult) Clone() *SubtaskResult {
	if r == nil {
		return nil
	}
	clone := *r
	if len(r.Thinking) > 0 {
		clone.Thinking = append([]ThinkingStep(nil), r.Thinking...)
	}
	clone.Workbench = r.Workbench.Clone()
	if len(r.Usage) > 0 {
		clone.Usage = append(json.RawMessage(nil), r.Usage...)
	}
	return &clone
}

// ThinkingStep is one entry of the agent's step-by-step reasoning trace,
// upsertable by index during streaming.
type ThinkingStep struct {
	Index   int    `json:"index"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Workbench is the structured side-channel state accumulated via delta-merge
// during streaming: file changes, git commits, and status/error overrides.
// Fields the producer never sent stay zero; Extra preserves forward-compatible
// payload keys without deep string lookups in business logic.
type Workbench struct {
	FileChanges []FileChange               `json:"file_changes,omitempty"`
	GitCommits  []GitCommit                `json:"git_commits,omitempty"`
	Status      string                     `json:"status,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`
}

// Clone returns a deep copy of the workbench.
func (w *Workbench) Clone() *Workbench {
	if w == nil {
		return nil
	}
	clone := *w
	if len(w.FileChanges) > 0 {
		clone.FileChanges = append([]FileChange(nil), w.FileChanges...)
	}
	if len(w.GitCommits) > 0 {
		clone.GitCommits = append([]GitCommit(nil), w.GitCommits...)
	}
	if len(w.Extra) > 0 {
		clone.Extra = make(map[string]json.RawMessage, len(w.Extra))
		for k, v := range w.Extra {
			clone.Extra[k] = v
		}
	}
	return &clone
}

// FileChange records one file touched by the agent. Path is the merge key
// for workbench deltas.
type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action,omitempty"` // create | modify | delete
	Diff   string `json:"diff,omitempty"`
}

// GitCommit records one commit produced by the agent. Hash is the merge key
// for workbench deltas.
type GitCommit struct {
	Hash    string `json:"hash"`
	Message string `json:"message,omitempty"`
}
