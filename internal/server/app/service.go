// Package app holds the server-side application services sitting between the
// HTTP handlers and the orchestration core.
package app

import (
	"context"
	"fmt"

	"github.com/wecode-ai/Wegent-sub007/internal/fanout"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/resource"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// TaskService creates and reads tasks on behalf of the HTTP layer and the
// subscription scheduler.
type TaskService struct {
	store     store.Store
	resources resource.Store
	fanout    *fanout.Broadcaster
	logger    logging.Logger
}

// NewTaskService wires a task service.
func NewTaskService(s store.Store, resources resource.Store, broadcaster *fanout.Broadcaster) *TaskService {
	return &TaskService{
		store:     s,
		resources: resources,
		fanout:    broadcaster,
		logger:    logging.NewComponentLogger("TaskService"),
	}
}

// CreateTask creates a task with one user subtask carrying the prompt and
// one pending assistant subtask carrying the bot roster. The task's mode is
// resolved from the team when a team is given.
func (s *TaskService) CreateTask(ctx context.Context, userID, title, prompt string, botIDs []string, teamID string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("prompt required")
	}

	mode := ""
	if teamID != "" {
		teamRes, err := s.resources.GetByID(ctx, resource.KindTeam, teamID)
		if err != nil {
			return "", fmt.Errorf("resolve team: %w", err)
		}
		spec, err := resource.DecodeTeamSpec(teamRes.Spec)
		if err != nil {
			return "", fmt.Errorf("team %s spec: %w", teamID, err)
		}
		mode = spec.Mode
		if len(botIDs) == 0 {
			botIDs = spec.BotIDs
		}
	}

	task := &store.Task{
		UserID: userID,
		Title:  title,
		Status: store.TaskStatusPending,
		TeamID: teamID,
		Mode:   mode,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	userTurn := &store.Subtask{
		TaskID: task.ID,
		Role:   store.RoleUser,
		Status: store.SubtaskStatusCompleted,
		Prompt: prompt,
	}
	if err := s.store.CreateSubtask(ctx, userTurn); err != nil {
		return "", err
	}

	assistantTurn := &store.Subtask{
		TaskID: task.ID,
		Role:   store.RoleAssistant,
		Status: store.SubtaskStatusPending,
		BotIDs: botIDs,
	}
	if err := s.store.CreateSubtask(ctx, assistantTurn); err != nil {
		return "", err
	}

	s.logger.Info("Created task %s (user=%s, bots=%d, team=%s)", task.ID, userID, len(botIDs), teamID)
	return task.ID, nil
}

// GetTask returns a task with its subtasks.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*store.Task, []*store.Subtask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	subtasks, err := s.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, subtasks, nil
}

// ListTasks lists tasks, newest first.
func (s *TaskService) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Cancel publishes an advisory cancel to the task's live channel. Whatever
// is producing the stream is expected to stop and emit a terminal event;
// nothing is aborted server-side.
func (s *TaskService) Cancel(ctx context.Context, taskID string) error {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	s.fanout.Publish(fanout.Event{
		Event:  fanout.EventCancelled,
		TaskID: taskID,
	})
	s.logger.Info("Cancel requested for task %s", taskID)
	return nil
}
