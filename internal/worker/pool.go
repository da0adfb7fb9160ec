// Package worker runs the claim-and-execute loop. Each loop polls the
// dispatcher, hands claimed contexts to a Runner, and reports the outcome
// through the status aggregator.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wecode-ai/Wegent-sub007/internal/dispatch"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/status"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// Runner executes one claimed subtask. Implementations stream their output
// through the ingestor; the pool only handles claim and failure reporting.
type Runner interface {
	Run(ctx context.Context, execCtx *dispatch.ExecutionContext) error
}

// Options tunes the pool.
type Options struct {
	Size              int
	PollInterval      time.Duration
	ExecutorName      string
	ExecutorNamespace string
}

// Pool is a fixed-size set of claim loops.
type Pool struct {
	dispatcher *dispatch.Dispatcher
	aggregator *status.Aggregator
	runner     Runner
	opts       Options
	logger     logging.Logger
}

// NewPool creates a worker pool.
func NewPool(dispatcher *dispatch.Dispatcher, aggregator *status.Aggregator, runner Runner, opts Options, logger logging.Logger) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Pool{
		dispatcher: dispatcher,
		aggregator: aggregator,
		runner:     runner,
		opts:       opts,
		logger:     logging.OrNop(logger),
	}
}

// Run blocks until ctx is cancelled. Claimed work runs to completion or
// failure; there is no cooperative cancellation inside a claim.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for n := 0; n < p.opts.Size; n++ {
		worker := n
		group.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	p.logger.Info("Worker %d started", worker)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Worker %d stopping", worker)
			return
		default:
		}

		report, err := p.dispatcher.Claim(ctx, dispatch.ClaimRequest{
			Status:            store.SubtaskStatusPending,
			Limit:             1,
			ExecutorName:      p.opts.ExecutorName,
			ExecutorNamespace: p.opts.ExecutorNamespace,
		})
		if err != nil {
			p.logger.Warn("Worker %d claim failed: %v", worker, err)
			p.sleep(ctx)
			continue
		}
		if len(report.Contexts) == 0 {
			p.sleep(ctx)
			continue
		}

		for _, execCtx := range report.Contexts {
			p.execute(ctx, execCtx)
		}
	}
}

func (p *Pool) execute(ctx context.Context, execCtx *dispatch.ExecutionContext) {
	if err := p.runner.Run(ctx, execCtx); err != nil {
		p.logger.Error("Subtask %s failed: %v", execCtx.SubtaskID, err)
		failed := store.SubtaskStatusFailed
		message := err.Error()
		if _, aggErr := p.aggregator.Apply(ctx, status.SubtaskUpdate{
			SubtaskID: execCtx.SubtaskID,
			Status:    &failed,
			Error:     &message,
		}); aggErr != nil {
			p.logger.Error("Failed to record subtask %s failure: %v", execCtx.SubtaskID, aggErr)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
