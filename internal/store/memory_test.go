package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func newTaskWithSubtasks(t *testing.T, s *MemoryStore, n int) (*Task, []*Subtask) {
	t.Helper()
	ctx := context.Background()

	task := &Task{UserID: "user-1", Title: "test task"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	subtasks := make([]*Subtask, 0, n)
	for i := 0; i < n; i++ {
		subtask := &Subtask{
			TaskID: task.ID,
			Role:   RoleAssistant,
			Prompt: fmt.Sprintf("step %d", i),
		}
		if err := s.CreateSubtask(ctx, subtask); err != nil {
			t.Fatalf("CreateSubtask failed: %v", err)
		}
		subtasks = append(subtasks, subtask)
	}
	return task, subtasks
}

func TestCreateTaskDefaults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{UserID: "user-1"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == "" {
		t.Error("Expected generated task ID")
	}
	if task.Status != TaskStatusPending {
		t.Errorf("Expected status %s, got %s", TaskStatusPending, task.Status)
	}
	if task.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetTask(context.Background(), "missing"); err == nil {
		t.Fatal("Expected error for missing task")
	}
}

func TestClaimSubtaskOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, subtasks := newTaskWithSubtasks(t, s, 1)

	won, err := s.ClaimSubtask(ctx, subtasks[0].ID, "worker-a", "default")
	if err != nil {
		t.Fatalf("ClaimSubtask failed: %v", err)
	}
	if !won {
		t.Fatal("Expected first claim to win")
	}

	won, err = s.ClaimSubtask(ctx, subtasks[0].ID, "worker-b", "default")
	if err != nil {
		t.Fatalf("ClaimSubtask failed: %v", err)
	}
	if won {
		t.Error("Expected second claim to lose")
	}

	got, err := s.GetSubtask(ctx, subtasks[0].ID)
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	if got.Status != SubtaskStatusRunning {
		t.Errorf("Expected status %s, got %s", SubtaskStatusRunning, got.Status)
	}
	if got.ExecutorName != "worker-a" {
		t.Errorf("Expected executor worker-a, got %s", got.ExecutorName)
	}
}

func TestClaimSubtaskConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, subtasks := newTaskWithSubtasks(t, s, 1)

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan string, workers)

	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("worker-%d", n)
			won, err := s.ClaimSubtask(ctx, subtasks[0].ID, name, "default")
			if err != nil {
				t.Errorf("ClaimSubtask failed: %v", err)
				return
			}
			if won {
				wins <- name
			}
		}(n)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for name := range wins {
		winners = append(winners, name)
	}
	if len(winners) != 1 {
		t.Fatalf("Expected exactly one winner, got %d: %v", len(winners), winners)
	}

	got, err := s.GetSubtask(ctx, subtasks[0].ID)
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	if got.ExecutorName != winners[0] {
		t.Errorf("Executor %s does not match winner %s", got.ExecutorName, winners[0])
	}
}

func TestCompareAndSetTaskStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task, _ := newTaskWithSubtasks(t, s, 1)

	ok, err := s.CompareAndSetTaskStatus(ctx, task.ID, TaskStatusPending, TaskStatusRunning)
	if err != nil {
		t.Fatalf("CompareAndSetTaskStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected pending->running to succeed")
	}

	ok, err = s.CompareAndSetTaskStatus(ctx, task.ID, TaskStatusPending, TaskStatusRunning)
	if err != nil {
		t.Fatalf("CompareAndSetTaskStatus failed: %v", err)
	}
	if ok {
		t.Error("Expected stale expected-status to fail")
	}

	ok, err = s.CompareAndSetTaskStatus(ctx, "missing", TaskStatusPending, TaskStatusRunning)
	if err != nil {
		t.Fatalf("CompareAndSetTaskStatus failed: %v", err)
	}
	if ok {
		t.Error("Expected missing task to fail")
	}
}

func TestListSubtasksOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task, _ := newTaskWithSubtasks(t, s, 5)

	subtasks, err := s.ListSubtasks(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListSubtasks failed: %v", err)
	}
	if len(subtasks) != 5 {
		t.Fatalf("Expected 5 subtasks, got %d", len(subtasks))
	}
	for i := 1; i < len(subtasks); i++ {
		if subtasks[i].MessageID <= subtasks[i-1].MessageID {
			t.Errorf("Message IDs not strictly increasing: %d then %d",
				subtasks[i-1].MessageID, subtasks[i].MessageID)
		}
	}
}

func TestNextMessageID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task, subtasks := newTaskWithSubtasks(t, s, 3)

	next, err := s.NextMessageID(ctx, task.ID)
	if err != nil {
		t.Fatalf("NextMessageID failed: %v", err)
	}
	last := subtasks[len(subtasks)-1].MessageID
	if next <= last {
		t.Errorf("Expected next message ID > %d, got %d", last, next)
	}

	if _, err := s.NextMessageID(ctx, "missing"); err == nil {
		t.Error("Expected error for missing task")
	}
}

func TestListTasksFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := &Task{UserID: "user-1"}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	other := &Task{UserID: "user-2", Status: TaskStatusRunning}
	if err := s.CreateTask(ctx, other); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("Expected 3 tasks for user-1, got %d", len(tasks))
	}

	tasks, err = s.ListTasks(ctx, TaskFilter{Status: TaskStatusRunning})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("Expected 1 running task, got %d", len(tasks))
	}

	tasks, err = s.ListTasks(ctx, TaskFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(tasks))
	}
}

func TestSubtaskIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, subtasks := newTaskWithSubtasks(t, s, 1)

	got, err := s.GetSubtask(ctx, subtasks[0].ID)
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	got.Prompt = "mutated"
	got.Result = &SubtaskResult{Value: "mutated"}

	again, err := s.GetSubtask(ctx, subtasks[0].ID)
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	if again.Prompt == "mutated" || again.Result != nil {
		t.Error("Stored subtask leaked through returned copy")
	}
}
