package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/oerr"
)

const (
	taskTable    = "tasks"
	subtaskTable = "subtasks"
)

// PostgresStore persists tasks and subtasks in Postgres. Status transitions
// use conditional UPDATEs; RowsAffected()==1 is the claim test.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskPostgresStore"),
	}
}

// EnsureSchema creates the task tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    result JSONB,
    team_id TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT '',
    git_domain TEXT NOT NULL DEFAULT '',
    git_repo TEXT NOT NULL DEFAULT '',
    git_branch TEXT NOT NULL DEFAULT '',
    workspace TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);`, taskTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_created ON %s (status, created_at DESC);`, taskTable, taskTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES %s (id),
    role TEXT NOT NULL,
    message_id BIGINT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0,
    prompt TEXT NOT NULL DEFAULT '',
    result JSONB,
    error TEXT NOT NULL DEFAULT '',
    bot_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
    executor_name TEXT NOT NULL DEFAULT '',
    executor_namespace TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (task_id, message_id)
);`, subtaskTable, taskTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task_message ON %s (task_id, message_id);`, subtaskTable, subtaskTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
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

	_, err := s.pool.Exec(ctx, `
INSERT INTO `+taskTable+` (id, user_id, status, progress, title, error, result, team_id, mode,
                           git_domain, git_repo, git_branch, workspace, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`, task.ID, task.UserID, task.Status, task.Progress, task.Title, task.Error,
		nullableJSON(task.Result), task.TeamID, task.Mode,
		task.GitDomain, task.GitRepo, task.GitBranch, task.Workspace,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, status, progress, title, error, result, team_id, mode,
       git_domain, git_repo, git_branch, workspace, created_at, updated_at, completed_at`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+taskTable+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ` + taskTable + ` WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE `+taskTable+`
SET status = $2, progress = $3, title = $4, error = $5, result = $6,
    updated_at = $7, completed_at = $8
WHERE id = $1
`, task.ID, task.Status, task.Progress, task.Title, task.Error,
		nullableJSON(task.Result), task.UpdatedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.NotFound("task", task.ID)
	}
	return nil
}

func (s *PostgresStore) CompareAndSetTaskStatus(ctx context.Context, id string, expected, next TaskStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+taskTable+` SET status = $3, updated_at = now() WHERE id = $1 AND status = $2
`, id, expected, next)
	if err != nil {
		return false, fmt.Errorf("compare-and-set task status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateSubtask(ctx context.Context, subtask *Subtask) error {
	if subtask.ID == "" {
		subtask.ID = NewSubtaskID()
	}
	if subtask.MessageID == 0 {
		next, err := s.NextMessageID(ctx, subtask.TaskID)
		if err != nil {
			return err
		}
		subtask.MessageID = next
	}
	now := time.Now()
	if subtask.CreatedAt.IsZero() {
		subtask.CreatedAt = now
	}
	subtask.UpdatedAt = now
	if subtask.Status == "" {
		subtask.Status = SubtaskStatusPending
	}

	botIDs, err := json.Marshal(subtask.BotIDs)
	if err != nil {
		return fmt.Errorf("marshal bot ids: %w", err)
	}
	result, err := marshalResult(subtask.Result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+subtaskTable+` (id, task_id, role, message_id, status, progress, prompt, result, error,
                              bot_ids, executor_name, executor_namespace, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`, subtask.ID, subtask.TaskID, subtask.Role, subtask.MessageID, subtask.Status,
		subtask.Progress, subtask.Prompt, result, subtask.Error,
		botIDs, subtask.ExecutorName, subtask.ExecutorNamespace,
		subtask.CreatedAt, subtask.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create subtask: %w", err)
	}
	return nil
}

const subtaskColumns = `id, task_id, role, message_id, status, progress, prompt, result, error,
       bot_ids, executor_name, executor_namespace, created_at, updated_at`

func (s *PostgresStore) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM `+subtaskTable+` WHERE id = $1`, id)
	subtask, err := scanSubtask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.NotFound("subtask", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return subtask, nil
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, taskID string) ([]*Subtask, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+subtaskColumns+` FROM `+subtaskTable+` WHERE task_id = $1 ORDER BY message_id
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []*Subtask
	for rows.Next() {
		subtask, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		subtasks = append(subtasks, subtask)
	}
	return subtasks, rows.Err()
}

func (s *PostgresStore) UpdateSubtask(ctx context.Context, subtask *Subtask) error {
	subtask.UpdatedAt = time.Now()
	result, err := marshalResult(subtask.Result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+subtaskTable+`
SET status = $2, progress = $3, result = $4, error = $5,
    executor_name = $6, executor_namespace = $7, updated_at = $8
WHERE id = $1
`, subtask.ID, subtask.Status, subtask.Progress, result, subtask.Error,
		subtask.ExecutorName, subtask.ExecutorNamespace, subtask.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.NotFound("subtask", subtask.ID)
	}
	return nil
}

func (s *PostgresStore) ClaimSubtask(ctx context.Context, id, executorName, executorNamespace string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+subtaskTable+`
SET status = $2, executor_name = $3, executor_namespace = $4, updated_at = now()
WHERE id = $1 AND status = $5
`, id, SubtaskStatusRunning, executorName, executorNamespace, SubtaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("claim subtask: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) NextMessageID(ctx context.Context, taskID string) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(message_id), 0) + 1 FROM `+subtaskTable+` WHERE task_id = $1
`, taskID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next message id: %w", err)
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var result []byte
	var completedAt *time.Time
	if err := row.Scan(&task.ID, &task.UserID, &task.Status, &task.Progress, &task.Title,
		&task.Error, &result, &task.TeamID, &task.Mode,
		&task.GitDomain, &task.GitRepo, &task.GitBranch, &task.Workspace,
		&task.CreatedAt, &task.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	task.CompletedAt = completedAt
	return &task, nil
}

func scanSubtask(row rowScanner) (*Subtask, error) {
	var subtask Subtask
	var result, botIDs []byte
	if err := row.Scan(&subtask.ID, &subtask.TaskID, &subtask.Role, &subtask.MessageID,
		&subtask.Status, &subtask.Progress, &subtask.Prompt, &result, &subtask.Error,
		&botIDs, &subtask.ExecutorName, &subtask.ExecutorNamespace,
		&subtask.CreatedAt, &subtask.UpdatedAt); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &subtask.Result); err != nil {
			return nil, fmt.Errorf("decode subtask result: %w", err)
		}
	}
	if len(botIDs) > 0 {
		if err := json.Unmarshal(botIDs, &subtask.BotIDs); err != nil {
			return nil, fmt.Errorf("decode bot ids: %w", err)
		}
	}
	return &subtask, nil
}

func marshalResult(result *SubtaskResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal subtask result: %w", err)
	}
	return data, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
