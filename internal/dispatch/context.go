package dispatch

import (
	"encoding/json"
	"time"

	"github.com/wecode-ai/Wegent-sub007/internal/resource"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// ExecutionContext is everything a worker needs to execute one claimed
// subtask.
type ExecutionContext struct {
	SubtaskID     string `json:"subtask_id"`
	SubtaskNextID string `json:"subtask_next_id,omitempty"`
	TaskID        string `json:"task_id"`

	ExecutorName      string `json:"executor_name"`
	ExecutorNamespace string `json:"executor_namespace"`

	User UserContext  `json:"user"`
	Bots []BotContext `json:"bot"`

	TeamID string `json:"team_id,omitempty"`
	Mode   string `json:"mode,omitempty"`

	GitDomain string `json:"git_domain,omitempty"`
	GitRepo   string `json:"git_repo,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
	Workspace string `json:"workspace,omitempty"`

	Prompt string `json:"prompt"`

	Status   store.SubtaskStatus `json:"status"`
	Progress int                 `json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserContext carries the task owner's identity, including the git identity
// matched against the task's git domain.
type UserContext struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	GitUserName  string `json:"git_user_name,omitempty"`
	GitUserEmail string `json:"git_user_email,omitempty"`
	GitToken     string `json:"git_token,omitempty"`
}

// BotContext is one bot's effective configuration for this subtask. When the
// bot references a private model, the model's configuration substitutes the
// bot's own.
type BotContext struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	AgentName    string               `json:"agent_name,omitempty"`
	AgentConfig  json.RawMessage      `json:"agent_config,omitempty"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	MCPServers   []resource.MCPServer `json:"mcp_servers,omitempty"`
	Role         string               `json:"role,omitempty"`
}

// SkippedItem records one task or subtask the claim pass could not dispatch,
// and why. Conflicts and not-founds show up here instead of failing the batch.
type SkippedItem struct {
	TaskID    string `json:"task_id,omitempty"`
	SubtaskID string `json:"subtask_id,omitempty"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one claim pass: the contexts actually claimed plus
// everything skipped with a reason.
type Report struct {
	Contexts []*ExecutionContext `json:"tasks"`
	Skipped  []SkippedItem       `json:"skipped,omitempty"`
}

func (r *Report) skip(taskID, subtaskID, reason string) {
	r.Skipped = append(r.Skipped, SkippedItem{TaskID: taskID, SubtaskID: subtaskID, Reason: reason})
}
