// Package status derives task-level status and progress from the states of a
// task's assistant subtasks.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// SubtaskUpdate is a partial update payload for a subtask. Nil fields are
// left untouched on the stored row.
type SubtaskUpdate struct {
	SubtaskID string
	Status    *store.SubtaskStatus
	Progress  *int
	Result    *store.SubtaskResult
	Error     *string
	Title     *string
}

// Result reports the post-aggregation state to callers.
type Result struct {
	SubtaskID  string           `json:"subtask_id"`
	TaskID     string           `json:"task_id"`
	TaskStatus store.TaskStatus `json:"status"`
	Progress   int              `json:"progress"`
}

// Aggregator applies subtask updates and recomputes the parent task.
type Aggregator struct {
	store  store.Store
	logger logging.Logger
	now    func() time.Time
}

// New creates an aggregator over the given store.
func New(s store.Store, logger logging.Logger) *Aggregator {
	return &Aggregator{
		store:  s,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Apply merges the update into the subtask row and recomputes the parent
// task per the precedence rules. Re-applying the same terminal update is a
// no-op for completed_at and result.
func (a *Aggregator) Apply(ctx context.Context, update SubtaskUpdate) (*Result, error) {
	if update.SubtaskID == "" {
		return nil, fmt.Errorf("subtask id required")
	}

	subtask, err := a.store.GetSubtask(ctx, update.SubtaskID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		subtask.Status = *update.Status
	}
	if update.Progress != nil {
		subtask.Progress = *update.Progress
	}
	if update.Result != nil {
		subtask.Result = update.Result.Clone()
	}
	if update.Error != nil {
		subtask.Error = *update.Error
	}
	if subtask.Status == store.SubtaskStatusCompleted && subtask.Progress < 100 {
		subtask.Progress = 100
	}
	if err := a.store.UpdateSubtask(ctx, subtask); err != nil {
		return nil, err
	}

	task, err := a.Recompute(ctx, subtask.TaskID, update.Title)
	if err != nil {
		return nil, err
	}

	return &Result{
		SubtaskID:  subtask.ID,
		TaskID:     task.ID,
		TaskStatus: task.Status,
		Progress:   task.Progress,
	}, nil
}

// Recompute derives the task status from its assistant subtasks:
//
//  1. progress = floor(100 * completed / total)
//  2. any FAILED subtask -> task FAILED, error/result copied from the last
//     failed subtask in sequence order
//  3. all terminal -> the last subtask's own terminal status, progress 100,
//     completed_at set once
//  4. otherwise RUNNING
//
// A task with zero assistant subtasks is left unchanged.
func (a *Aggregator) Recompute(ctx context.Context, taskID string, title *string) (*store.Task, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subtasks, err := a.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var assistants []*store.Subtask
	for _, subtask := range subtasks {
		if subtask.Role == store.RoleAssistant {
			assistants = append(assistants, subtask)
		}
	}

	if title != nil {
		task.Title = *title
	}
	if len(assistants) == 0 {
		if title != nil {
			if err := a.store.UpdateTask(ctx, task); err != nil {
				return nil, err
			}
		}
		return task, nil
	}

	var completed, terminal int
	var lastFailed *store.Subtask
	for _, subtask := range assistants {
		if subtask.Status == store.SubtaskStatusCompleted {
			completed++
		}
		if subtask.Status.IsTerminal() {
			terminal++
		}
		if subtask.Status == store.SubtaskStatusFailed {
			lastFailed = subtask
		}
	}

	task.Progress = 100 * completed / len(assistants)

	switch {
	case lastFailed != nil:
		task.Status = store.TaskStatusFailed
		task.Error = lastFailed.Error
		task.Result = marshalResult(lastFailed.Result, a.logger)
		a.setCompletedAt(task)
	case terminal == len(assistants):
		last := assistants[len(assistants)-1]
		task.Status = store.TaskStatus(last.Status)
		task.Result = marshalResult(last.Result, a.logger)
		task.Progress = 100
		a.setCompletedAt(task)
	default:
		task.Status = store.TaskStatusRunning
	}

	if err := a.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// setCompletedAt stamps the terminal time exactly once, keeping terminal
// updates idempotent.
func (a *Aggregator) setCompletedAt(task *store.Task) {
	if task.CompletedAt != nil {
		return
	}
	now := a.now()
	task.CompletedAt = &now
}

func marshalResult(result *store.SubtaskResult, logger logging.Logger) json.RawMessage {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		logger.Warn("Failed to marshal subtask result for task rollup: %v", err)
		return nil
	}
	return data
}
