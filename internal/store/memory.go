package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wecode-ai/Wegent-sub007/internal/oerr"
)

// MemoryStore implements Store with in-memory storage. It preserves the same
// compare-and-set semantics as the Postgres store and backs tests and
// single-binary mode.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	subtasks map[string]*Subtask
	seq      map[string]int64 // taskID -> last allocated message ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		subtasks: make(map[string]*Subtask),
		seq:      make(map[string]int64),
	}
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task-" + uuid.New().String()
}

// NewSubtaskID returns a fresh subtask identifier.
func NewSubtaskID() string {
	return "subtask-" + uuid.New().String()
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = NewTaskID()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}

	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, oerr.NotFound("task", id)
	}
	clone := *task
	return &clone, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && task.UserID != filter.UserID {
			continue
		}
		clone := *task
		tasks = append(tasks, &clone)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})

	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return oerr.NotFound("task", task.ID)
	}
	task.UpdatedAt = time.Now()
	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *MemoryStore) CompareAndSetTaskStatus(ctx context.Context, id string, expected, next TaskStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status != expected {
		return false, nil
	}
	task.Status = next
	task.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CreateSubtask(ctx context.Context, subtask *Subtask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[subtask.TaskID]; !ok {
		return oerr.NotFound("task", subtask.TaskID)
	}
	if subtask.ID == "" {
		subtask.ID = NewSubtaskID()
	}
	if subtask.MessageID == 0 {
		s.seq[subtask.TaskID]++
		subtask.MessageID = s.seq[subtask.TaskID]
	} else if subtask.MessageID > s.seq[subtask.TaskID] {
		s.seq[subtask.TaskID] = subtask.MessageID
	}
	now := time.Now()
	if subtask.CreatedAt.IsZero() {
		subtask.CreatedAt = now
	}
	subtask.UpdatedAt = now
	if subtask.Status == "" {
		subtask.Status = SubtaskStatusPending
	}

	s.subtasks[subtask.ID] = cloneSubtask(subtask)
	return nil
}

func (s *MemoryStore) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	subtask, ok := s.subtasks[id]
	if !ok {
		return nil, oerr.NotFound("subtask", id)
	}
	return cloneSubtask(subtask), nil
}

func (s *MemoryStore) ListSubtasks(ctx context.Context, taskID string) ([]*Subtask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subtasks []*Subtask
	for _, subtask := range s.subtasks {
		if subtask.TaskID != taskID {
			continue
		}
		subtasks = append(subtasks, cloneSubtask(subtask))
	}
	sort.Slice(subtasks, func(i, j int) bool {
		return subtasks[i].MessageID < subtasks[j].MessageID
	})
	return subtasks, nil
}

func (s *MemoryStore) UpdateSubtask(ctx context.Context, subtask *Subtask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subtasks[subtask.ID]; !ok {
		return oerr.NotFound("subtask", subtask.ID)
	}
	subtask.UpdatedAt = time.Now()
	s.subtasks[subtask.ID] = cloneSubtask(subtask)
	return nil
}

func (s *MemoryStore) ClaimSubtask(ctx context.Context, id, executorName, executorNamespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subtask, ok := s.subtasks[id]
	if !ok || subtask.Status != SubtaskStatusPending {
		return false, nil
	}
	subtask.Status = SubtaskStatusRunning
	subtask.ExecutorName = executorName
	subtask.ExecutorNamespace = executorNamespace
	subtask.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) NextMessageID(ctx context.Context, taskID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return 0, oerr.NotFound("task", taskID)
	}
	s.seq[taskID]++
	return s.seq[taskID], nil
}

func cloneSubtask(subtask *Subtask) *Subtask {
	clone := *subtask
	if len(subtask.BotIDs) > 0 {
		clone.BotIDs = append([]string(nil), subtask.BotIDs...)
	}
	clone.Result = subtask.Result.Clone()
	return &clone
}
