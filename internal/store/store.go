// Package store owns the durable Task/Subtask model. All cross-worker status
// transitions go through compare-and-set operations keyed on the expected
// current status; there is no external locking service.
package store

import "context"

// TaskFilter selects tasks for listing. Zero values are ignored.
type TaskFilter struct {
	Status TaskStatus
	UserID string
	// Limit bounds the result; <=0 means no bound.
	Limit int
}

// Store is the durable store for tasks and subtasks.
//
// ClaimSubtask and CompareAndSetTaskStatus are the only operations the
// dispatcher relies on for mutual exclusion: both are conditional writes that
// report whether exactly one row was affected.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks matching the filter, most recently created first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	// CompareAndSetTaskStatus flips the task status from expected to next.
	// It returns false (and no error) when the task is in any other status.
	CompareAndSetTaskStatus(ctx context.Context, id string, expected, next TaskStatus) (bool, error)

	CreateSubtask(ctx context.Context, subtask *Subtask) error
	GetSubtask(ctx context.Context, id string) (*Subtask, error)
	// ListSubtasks returns all subtasks of a task ordered by message ID.
	ListSubtasks(ctx context.Context, taskID string) ([]*Subtask, error)
	UpdateSubtask(ctx context.Context, subtask *Subtask) error
	// ClaimSubtask atomically transitions the subtask from PENDING to RUNNING
	// and stamps the executor identity. It returns false when another worker
	// already won the claim (or the subtask no longer exists).
	ClaimSubtask(ctx context.Context, id, executorName, executorNamespace string) (bool, error)
	// NextMessageID allocates the next strictly-increasing sequence key for
	// the task.
	NextMessageID(ctx context.Context, taskID string) (int64, error)
}
