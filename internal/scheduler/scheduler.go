// Package scheduler materializes recurring task subscriptions on cron
// schedules. Due-time handling is robfig/cron's; task creation reuses the
// normal task service path, so scheduled tasks flow through the same
// claim/stream/aggregate pipeline as interactive ones.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/wecode-ai/Wegent-sub007/internal/config"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
)

// TaskCreator creates a task with its initial user turn and pending
// assistant turn. Implemented by the server's task service.
type TaskCreator interface {
	CreateTask(ctx context.Context, userID, title, prompt string, botIDs []string, teamID string) (taskID string, err error)
}

// Scheduler manages cron-based task subscriptions.
type Scheduler struct {
	cron     *cron.Cron
	creator  TaskCreator
	cfg      config.SchedulerConfig
	logger   logging.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID // trigger name -> cron entry
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler.
func New(cfg config.SchedulerConfig, creator TaskCreator, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	return &Scheduler{
		cron:     newCron(cfg, logger),
		creator:  creator,
		cfg:      cfg,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

func newCron(cfg config.SchedulerConfig, logger logging.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	options := []cron.Option{cron.WithParser(parser)}
	policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy))
	var wrapper cron.JobWrapper
	switch policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	default:
		logger.Warn("Scheduler: unknown concurrency policy %q, defaulting to skip", policy)
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	options = append(options, cron.WithChain(wrapper))
	return cron.New(options...)
}

// Start registers all configured triggers and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Scheduler disabled by config")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, trigger := range s.cfg.Triggers {
		if err := s.registerTrigger(trigger); err != nil {
			s.logger.Warn("Scheduler: failed to register trigger %q: %v", trigger.Name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started with %d triggers", len(s.entryIDs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully stops the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Scheduler stopping...")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Scheduler stopped")
	})
}

// Done returns a channel closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// registerTrigger adds one trigger. Must be called with s.mu held.
func (s *Scheduler) registerTrigger(trigger config.TriggerConfig) error {
	if trigger.Name == "" {
		return fmt.Errorf("trigger has no name")
	}
	if _, exists := s.entryIDs[trigger.Name]; exists {
		return nil
	}
	if trigger.Schedule == "" {
		return fmt.Errorf("trigger %q has no schedule", trigger.Name)
	}

	t := trigger
	entryID, err := s.cron.AddFunc(t.Schedule, func() {
		s.fire(t)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", trigger.Name, err)
	}

	s.entryIDs[trigger.Name] = entryID
	s.logger.Info("Scheduler: registered trigger %q (schedule=%s)", trigger.Name, trigger.Schedule)
	return nil
}

func (s *Scheduler) fire(trigger config.TriggerConfig) {
	title := trigger.Title
	if title == "" {
		title = trigger.Name
	}
	taskID, err := s.creator.CreateTask(context.Background(), trigger.UserID, title, trigger.Prompt, trigger.BotIDs, trigger.TeamID)
	if err != nil {
		s.logger.Error("Scheduler: trigger %q failed to create task: %v", trigger.Name, err)
		return
	}
	s.logger.Info("Scheduler: trigger %q created task %s", trigger.Name, taskID)
}

// TriggerCount returns the number of registered triggers.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// TriggerNames returns the names of all registered triggers.
func (s *Scheduler) TriggerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	return names
}
