// Package dispatch claims pending subtasks for execution and assembles their
// execution contexts. The claim is a compare-and-set against the durable
// store, so concurrent workers never double-claim; lost races are reported as
// skips, not errors.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/observability"
	"github.com/wecode-ai/Wegent-sub007/internal/oerr"
	"github.com/wecode-ai/Wegent-sub007/internal/resource"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// ClaimRequest selects which subtasks a worker wants to claim.
type ClaimRequest struct {
	// Status filters candidate subtasks; defaults to pending.
	Status store.SubtaskStatus
	// Limit bounds the number of claims in pool mode.
	Limit int
	// TaskIDs switches to targeted mode: at most one subtask per listed task.
	TaskIDs []string

	ExecutorName      string
	ExecutorNamespace string
}

// Dispatcher claims subtasks and builds execution contexts.
type Dispatcher struct {
	store     store.Store
	resources resource.Store
	metrics   *observability.Metrics
	logger    logging.Logger
}

// New creates a dispatcher. metrics may be nil.
func New(s store.Store, resources resource.Store, metrics *observability.Metrics, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:     s,
		resources: resources,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
	}
}

// Claim selects eligible subtasks, atomically flips them PENDING->RUNNING,
// and returns the assembled execution contexts. It never blocks waiting for
// work; an empty report means "poll again later".
func (d *Dispatcher) Claim(ctx context.Context, req ClaimRequest) (*Report, error) {
	if req.Status == "" {
		req.Status = store.SubtaskStatusPending
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}

	report := &Report{}
	if len(req.TaskIDs) > 0 {
		d.claimTargeted(ctx, req, report)
	} else {
		if err := d.claimPool(ctx, req, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// claimTargeted claims at most one subtask per requested task, regardless of
// limit. One bad task never blocks the rest of the batch.
func (d *Dispatcher) claimTargeted(ctx context.Context, req ClaimRequest, report *Report) {
	for _, taskID := range req.TaskIDs {
		task, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			if oerr.IsNotFound(err) {
				report.skip(taskID, "", "task not found")
				continue
			}
			report.skip(taskID, "", fmt.Sprintf("load task: %v", err))
			continue
		}
		if task.Status != store.TaskStatusPending && task.Status != store.TaskStatusRunning {
			report.skip(taskID, "", fmt.Sprintf("task status %s not claimable", task.Status))
			continue
		}
		d.claimFromTask(ctx, req, task, report)
	}
}

// claimPool claims up to limit subtasks across tasks matching the status
// filter, most recently created tasks first.
func (d *Dispatcher) claimPool(ctx context.Context, req ClaimRequest, report *Report) error {
	tasks, err := d.store.ListTasks(ctx, store.TaskFilter{
		Status: store.TaskStatus(req.Status),
		Limit:  req.Limit,
	})
	if err != nil {
		return fmt.Errorf("list claimable tasks: %w", err)
	}
	for _, task := range tasks {
		if len(report.Contexts) >= req.Limit {
			break
		}
		d.claimFromTask(ctx, req, task, report)
	}
	return nil
}

// claimFromTask selects the task's earliest eligible assistant subtask and
// tries to claim it.
func (d *Dispatcher) claimFromTask(ctx context.Context, req ClaimRequest, task *store.Task, report *Report) {
	subtasks, err := d.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		report.skip(task.ID, "", fmt.Sprintf("list subtasks: %v", err))
		return
	}

	var candidate *store.Subtask
	for _, subtask := range subtasks {
		if subtask.Role != store.RoleAssistant {
			continue
		}
		if subtask.Status == store.SubtaskStatusRunning {
			// At most one subtask per task may run at a time.
			report.skip(task.ID, subtask.ID, "subtask already running")
			return
		}
		if candidate == nil && subtask.Status == req.Status {
			candidate = subtask
		}
	}
	if candidate == nil {
		return
	}

	if d.metrics != nil {
		d.metrics.ClaimsAttempted.Inc()
	}
	claimed, err := d.store.ClaimSubtask(ctx, candidate.ID, req.ExecutorName, req.ExecutorNamespace)
	if err != nil {
		report.skip(task.ID, candidate.ID, fmt.Sprintf("claim: %v", err))
		return
	}
	if !claimed {
		// Another worker won the race, or the subtask vanished. Not an error.
		if d.metrics != nil {
			d.metrics.ClaimsLost.Inc()
		}
		report.skip(task.ID, candidate.ID, "claim lost")
		return
	}
	if d.metrics != nil {
		d.metrics.ClaimsWon.Inc()
	}

	if _, err := d.store.CompareAndSetTaskStatus(ctx, task.ID, store.TaskStatusPending, store.TaskStatusRunning); err != nil {
		d.logger.Warn("Failed to flip task %s to running: %v", task.ID, err)
	}

	candidate.Status = store.SubtaskStatusRunning
	candidate.ExecutorName = req.ExecutorName
	candidate.ExecutorNamespace = req.ExecutorNamespace

	execCtx, err := d.buildContext(ctx, task, subtasks, candidate)
	if err != nil {
		// Degraded but valid: the claim already happened, so hand the worker
		// what we have rather than stranding a RUNNING subtask.
		d.logger.Warn("Context assembly degraded for subtask %s: %v", candidate.ID, err)
	}
	report.Contexts = append(report.Contexts, execCtx)
}

// buildContext assembles the execution context for a claimed subtask. Errors
// in individual pieces degrade the context instead of failing the claim.
func (d *Dispatcher) buildContext(ctx context.Context, task *store.Task, subtasks []*store.Subtask, claimed *store.Subtask) (*ExecutionContext, error) {
	execCtx := &ExecutionContext{
		SubtaskID:         claimed.ID,
		SubtaskNextID:     nextSubtaskID(subtasks, claimed),
		TaskID:            task.ID,
		ExecutorName:      claimed.ExecutorName,
		ExecutorNamespace: claimed.ExecutorNamespace,
		User:              UserContext{ID: task.UserID},
		TeamID:            task.TeamID,
		Mode:              task.Mode,
		GitDomain:         task.GitDomain,
		GitRepo:           task.GitRepo,
		GitBranch:         task.GitBranch,
		Workspace:         task.Workspace,
		Prompt:            aggregatePrompt(subtasks, claimed),
		Status:            claimed.Status,
		Progress:          claimed.Progress,
		CreatedAt:         claimed.CreatedAt,
		UpdatedAt:         claimed.UpdatedAt,
	}

	var firstErr error
	if err := d.resolveUser(ctx, task, &execCtx.User); err != nil {
		firstErr = err
	}
	bots, err := d.resolveRoster(ctx, task, subtasks, claimed)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	execCtx.Bots = bots
	return execCtx, firstErr
}

// aggregatePrompt builds the prompt for the claimed subtask: the most recent
// user prompt, with the previous assistant result appended as context. The
// carry-over resets at every user turn so results never leak across
// conversation turns.
func aggregatePrompt(subtasks []*store.Subtask, claimed *store.Subtask) string {
	var prompt, carryOver string
	for _, subtask := range subtasks {
		if subtask.MessageID >= claimed.MessageID {
			break
		}
		switch subtask.Role {
		case store.RoleUser:
			prompt = subtask.Prompt
			carryOver = ""
		case store.RoleAssistant:
			if subtask.Result != nil && subtask.Result.Value != "" {
				carryOver = subtask.Result.Value
			}
		}
	}
	if carryOver == "" {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nPrevious execution result:\n")
	b.WriteString(carryOver)
	return b.String()
}

// nextSubtaskID returns the subtask immediately following the claimed one in
// sequence-key order, or empty.
func nextSubtaskID(subtasks []*store.Subtask, claimed *store.Subtask) string {
	for _, subtask := range subtasks {
		if subtask.MessageID > claimed.MessageID {
			return subtask.ID
		}
	}
	return ""
}

// rosterPosition counts prior assistant subtasks so a pipeline's position
// tracks execution progress, not a fixed list index.
func rosterPosition(subtasks []*store.Subtask, claimed *store.Subtask) int {
	position := 0
	for _, subtask := range subtasks {
		if subtask.MessageID >= claimed.MessageID {
			break
		}
		if subtask.Role == store.RoleAssistant {
			position++
		}
	}
	return position
}

// resolveRoster loads each bot in the claimed subtask's roster. In pipeline
// mode the team's role override for the current position applies to every
// bot. Unresolvable bots are skipped with a warning; unresolvable model
// references fall back to the bot's own configuration.
func (d *Dispatcher) resolveRoster(ctx context.Context, task *store.Task, subtasks []*store.Subtask, claimed *store.Subtask) ([]BotContext, error) {
	var teamSpec *resource.TeamSpec
	mode := task.Mode
	if task.TeamID != "" {
		teamRes, err := d.resources.GetByID(ctx, resource.KindTeam, task.TeamID)
		if err != nil {
			d.logger.Warn("Team %s unresolved for task %s: %v", task.TeamID, task.ID, err)
		} else if spec, err := resource.DecodeTeamSpec(teamRes.Spec); err != nil {
			d.logger.Warn("Team %s spec invalid: %v", task.TeamID, err)
		} else {
			teamSpec = &spec
			if mode == "" {
				mode = spec.Mode
			}
		}
	}

	var roleOverride *resource.TeamRole
	if mode == resource.ModePipeline && teamSpec != nil {
		position := rosterPosition(subtasks, claimed)
		for i := range teamSpec.Roles {
			if teamSpec.Roles[i].Position == position {
				roleOverride = &teamSpec.Roles[i]
				break
			}
		}
	}

	var bots []BotContext
	var firstErr error
	for _, botID := range claimed.BotIDs {
		bot, err := d.resolveBot(ctx, botID)
		if err != nil {
			d.logger.Warn("Bot %s unresolved for subtask %s: %v", botID, claimed.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if roleOverride != nil {
			bot.Role = roleOverride.Role
			if roleOverride.PromptSuffix != "" {
				bot.SystemPrompt = joinPrompt(bot.SystemPrompt, roleOverride.PromptSuffix)
			}
		}
		bots = append(bots, bot)
	}
	return bots, firstErr
}

// resolveBot loads a bot document and applies its private-model substitution.
// Model resolution failure is non-fatal: the bot's own configuration stands.
func (d *Dispatcher) resolveBot(ctx context.Context, botID string) (BotContext, error) {
	botRes, err := d.resources.GetByID(ctx, resource.KindBot, botID)
	if err != nil {
		return BotContext{}, err
	}
	spec, err := resource.DecodeBotSpec(botRes.Spec)
	if err != nil {
		return BotContext{}, fmt.Errorf("bot %s spec: %w", botID, err)
	}

	bot := BotContext{
		ID:           botRes.ID,
		Name:         spec.Name,
		AgentName:    spec.AgentName,
		AgentConfig:  spec.AgentConfig,
		SystemPrompt: spec.SystemPrompt,
		MCPServers:   spec.MCPServers,
	}
	if bot.Name == "" {
		bot.Name = botRes.Name
	}

	if spec.ModelRef != nil {
		namespace := spec.ModelRef.Namespace
		if namespace == "" {
			namespace = botRes.Namespace
		}
		modelRes, err := d.resources.GetByName(ctx, resource.KindModel, spec.ModelRef.Name, namespace)
		if err != nil {
			d.logger.Warn("Model %s/%s unresolved for bot %s, keeping bot config: %v",
				namespace, spec.ModelRef.Name, botID, err)
			return bot, nil
		}
		modelSpec, err := resource.DecodeModelSpec(modelRes.Spec)
		if err != nil {
			d.logger.Warn("Model %s/%s spec invalid for bot %s, keeping bot config: %v",
				namespace, spec.ModelRef.Name, botID, err)
			return bot, nil
		}
		if modelSpec.ModelConfig.AgentName != "" {
			bot.AgentName = modelSpec.ModelConfig.AgentName
		}
		if len(modelSpec.ModelConfig.AgentConfig) > 0 {
			bot.AgentConfig = modelSpec.ModelConfig.AgentConfig
		}
	}
	return bot, nil
}

// resolveUser fills the task owner's name and the git identity matching the
// task's git domain.
func (d *Dispatcher) resolveUser(ctx context.Context, task *store.Task, user *UserContext) error {
	if task.UserID == "" {
		return nil
	}
	userRes, err := d.resources.GetByID(ctx, resource.KindUser, task.UserID)
	if err != nil {
		return err
	}
	spec, err := resource.DecodeUserSpec(userRes.Spec)
	if err != nil {
		return fmt.Errorf("user %s spec: %w", task.UserID, err)
	}
	user.Name = spec.Name
	for _, identity := range spec.GitIdentities {
		if identity.Domain == task.GitDomain {
			user.GitUserName = identity.Name
			user.GitUserEmail = identity.Email
			user.GitToken = identity.Token
			break
		}
	}
	return nil
}

func joinPrompt(base, suffix string) string {
	if base == "" {
		return suffix
	}
	return base + "\n\n" + suffix
}
