// Package streaming turns the high-frequency event stream of in-flight
// subtasks into durable records and live fan-out. Every event is published to
// observers immediately; persistence is throttled on two independent
// cadences, with terminal events bypassing both.
package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/wecode-ai/Wegent-sub007/internal/cache"
	"github.com/wecode-ai/Wegent-sub007/internal/fanout"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/observability"
	"github.com/wecode-ai/Wegent-sub007/internal/status"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// Options tunes the ingestor cadences.
type Options struct {
	CacheFlushInterval   time.Duration
	DurableFlushInterval time.Duration
	SessionCeiling       time.Duration
}

func (o *Options) withDefaults() {
	if o.CacheFlushInterval <= 0 {
		o.CacheFlushInterval = time.Second
	}
	if o.DurableFlushInterval <= 0 {
		o.DurableFlushInterval = 4 * time.Second
	}
	if o.SessionCeiling <= 0 {
		o.SessionCeiling = time.Hour
	}
}

// Ingestor consumes streaming events for many concurrent subtask sessions.
// The registry mutex is held only around insert/remove/lookup; flush I/O runs
// on copied-out snapshots.
type Ingestor struct {
	registry registry

	store      store.Store
	cache      *cache.StreamCache
	fanout     *fanout.Broadcaster
	aggregator *status.Aggregator
	metrics    *observability.Metrics
	logger     logging.Logger

	opts Options

	// now is swapped in tests to drive the cadence logic.
	now func() time.Time
}

// NewIngestor wires the ingestion pipeline. metrics may be nil.
func NewIngestor(s store.Store, streamCache *cache.StreamCache, broadcaster *fanout.Broadcaster,
	aggregator *status.Aggregator, metrics *observability.Metrics, logger logging.Logger, opts Options) *Ingestor {
	opts.withDefaults()
	return &Ingestor{
		registry:   newRegistry(),
		store:      s,
		cache:      streamCache,
		fanout:     broadcaster,
		aggregator: aggregator,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		opts:       opts,
		now:        time.Now,
	}
}

// Process applies one event. Events for the same subtask must arrive in
// order (single producer per subtask); events across subtasks are
// independent.
func (i *Ingestor) Process(ctx context.Context, event Event) error {
	if event.SubtaskID == "" {
		return fmt.Errorf("subtask id required")
	}
	if i.metrics != nil {
		i.metrics.EventsIngested.WithLabelValues(string(event.Type)).Inc()
	}

	switch event.Type {
	case EventStart:
		return i.handleStart(event)
	case EventChunk:
		return i.handleChunk(ctx, event)
	case EventReasoning:
		return i.handleReasoning(ctx, event)
	case EventThinking:
		return i.handleThinking(ctx, event)
	case EventWorkbenchDelta:
		return i.handleWorkbench(ctx, event)
	case EventStatus, EventDone, EventError:
		return i.handleTerminal(ctx, event)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
}

func (i *Ingestor) handleStart(event Event) error {
	now := i.now()
	session, created := i.registry.getOrCreate(event.TaskID, event.SubtaskID, now)
	if !created {
		// A replayed start must not wipe the cached projection of the
		// in-flight session.
		i.logger.Warn("Duplicate start event for subtask %s", event.SubtaskID)
	} else {
		if i.metrics != nil {
			i.metrics.ActiveSessions.Set(float64(i.registry.len()))
		}
		i.cache.PutMeta(event.SubtaskID, cache.SessionMeta{
			TaskID:    session.TaskID,
			SubtaskID: session.SubtaskID,
			StartedAt: now,
		})
		i.cache.PutBuffer(event.SubtaskID, cache.BufferEntry{UpdatedAt: now})
	}

	i.fanout.Publish(fanout.Event{
		Event:     fanout.EventStart,
		TaskID:    event.TaskID,
		SubtaskID: event.SubtaskID,
	})
	return nil
}

func (i *Ingestor) handleChunk(ctx context.Context, event Event) error {
	payload, err := decodePayload[ChunkPayload](event)
	if err != nil {
		return err
	}
	session, err := i.session(event)
	if err != nil {
		return err
	}

	offset := session.appendContent(payload.Content, i.now())

	i.fanout.Publish(fanout.Event{
		Event:     fanout.EventChunk,
		TaskID:    session.TaskID,
		SubtaskID: session.SubtaskID,
		Offset:    offset,
		Delta:     payload.Content,
	})

	i.maybeFlush(ctx, session)
	return nil
}

func (i *Ingestor) handleReasoning(ctx context.Context, event Event) error {
	payload, err := decodePayload[ReasoningPayload](event)
	if err != nil {
		return err
	}
	session, err := i.session(event)
	if err != nil {
		return err
	}

	cumulative, offset := session.appendReasoning(payload.Content, i.now())

	i.fanout.Publish(fanout.Event{
		Event:     fanout.EventReasoning,
		TaskID:    session.TaskID,
		SubtaskID: session.SubtaskID,
		Offset:    offset,
		Content:   cumulative,
		Delta:     payload.Content,
	})

	i.maybeFlush(ctx, session)
	return nil
}

func (i *Ingestor) handleThinking(ctx context.Context, event Event) error {
	payload, err := decodePayload[ThinkingPayload](event)
	if err != nil {
		return err
	}
	session, err := i.session(event)
	if err != nil {
		return err
	}

	session.upsertThinking(store.ThinkingStep{
		Index:   payload.Index,
		Title:   payload.Title,
		Content: payload.Content,
		Status:  payload.Status,
	}, i.now())

	i.fanout.Publish(fanout.Event{
		Event:     fanout.EventThinking,
		TaskID:    session.TaskID,
		SubtaskID: session.SubtaskID,
		Result:    payload,
	})

	i.maybeFlush(ctx, session)
	return nil
}

func (i *Ingestor) handleWorkbench(ctx context.Context, event Event) error {
	payload, err := decodePayload[WorkbenchDelta](event)
	if err != nil {
		return err
	}
	session, err := i.session(event)
	if err != nil {
		return err
	}

	merged := session.mergeWorkbench(payload, i.now())

	i.fanout.Publish(fanout.Event{
		Event:     fanout.EventWorkbench,
		TaskID:    session.TaskID,
		SubtaskID: session.SubtaskID,
		Result:    merged,
	})

	i.maybeFlush(ctx, session)
	return nil
}

// handleTerminal builds the final projection, finalizes the subtask through
// the status aggregator synchronously, purges cache entries, and destroys
// the session.
func (i *Ingestor) handleTerminal(ctx context.Context, event Event) error {
	payload, err := decodePayload[StatusPayload](event)
	if err != nil {
		return err
	}
	terminal := payload.Status
	if terminal == "" {
		if event.Type == EventError {
			terminal = store.SubtaskStatusFailed
		} else {
			terminal = store.SubtaskStatusCompleted
		}
	}
	if !terminal.IsTerminal() {
		return fmt.Errorf("status event carries non-terminal status %q", terminal)
	}

	session, ok := i.registry.get(event.SubtaskID)
	var snap snapshot
	if ok {
		snap = session.snapshot()
	} else {
		// Terminal event without a tracked session (e.g. worker restarted
		// mid-stream): finalize from the payload alone.
		snap = snapshot{TaskID: event.TaskID, SubtaskID: event.SubtaskID}
	}

	result := snap.projection(false)
	if payload.Result != nil {
		// Producer-supplied fields win over the accumulated projection.
		if payload.Result.Value != "" {
			result.Value = payload.Result.Value
		}
		if len(payload.Result.Thinking) > 0 {
			result.Thinking = payload.Result.Thinking
		}
		if payload.Result.Workbench != nil {
			result.Workbench = payload.Result.Workbench
		}
		if payload.Result.ReasoningContent != "" {
			result.ReasoningContent = payload.Result.ReasoningContent
		}
		result.Usage = payload.Result.Usage
	}
	if len(payload.Usage) > 0 {
		result.Usage = payload.Usage
	}

	statusValue := terminal
	progress := 100
	update := status.SubtaskUpdate{
		SubtaskID: event.SubtaskID,
		Status:    &statusValue,
		Progress:  &progress,
		Result:    result,
	}
	if payload.Error != "" {
		update.Error = &payload.Error
	}

	aggResult, err := i.aggregator.Apply(ctx, update)
	if err != nil {
		// Keep the session so the next cadence tick or the sweep can retry;
		// partial output must survive a persistence hiccup.
		i.logger.Error("Terminal flush failed for subtask %s: %v", event.SubtaskID, err)
		return err
	}
	if i.metrics != nil {
		i.metrics.DurableFlushes.Inc()
	}

	name := fanout.EventDone
	if terminal == store.SubtaskStatusFailed {
		name = fanout.EventError
	} else if terminal == store.SubtaskStatusCancelled {
		name = fanout.EventCancelled
	}
	i.fanout.Publish(fanout.Event{
		Event:     name,
		TaskID:    aggResult.TaskID,
		SubtaskID: event.SubtaskID,
		Offset:    snap.Offset,
		Result:    result,
		Error:     payload.Error,
	})

	i.cache.Purge(event.SubtaskID)
	i.registry.remove(event.SubtaskID)
	if i.metrics != nil {
		i.metrics.ActiveSessions.Set(float64(i.registry.len()))
	}
	return nil
}

// session looks up the tracked session, creating one on the fly when a
// producer skipped the start event.
func (i *Ingestor) session(event Event) (*Session, error) {
	if session, ok := i.registry.get(event.SubtaskID); ok {
		return session, nil
	}
	if event.TaskID == "" {
		return nil, fmt.Errorf("no session for subtask %s and no task id to create one", event.SubtaskID)
	}
	i.logger.Warn("Event before start for subtask %s, creating session", event.SubtaskID)
	session, _ := i.registry.getOrCreate(event.TaskID, event.SubtaskID, i.now())
	if i.metrics != nil {
		i.metrics.ActiveSessions.Set(float64(i.registry.len()))
	}
	return session, nil
}

// maybeFlush runs the two persistence cadences. Neither ever blocks an event
// waiting for an interval; a failed write is logged and retried on the next
// due tick.
func (i *Ingestor) maybeFlush(ctx context.Context, session *Session) {
	now := i.now()

	if session.dueCacheFlush(i.opts.CacheFlushInterval, now) {
		snap := session.snapshot()
		i.cache.PutBuffer(snap.SubtaskID, cache.BufferEntry{
			Content:         snap.Content,
			Offset:          snap.Offset,
			Reasoning:       snap.Reasoning,
			ReasoningOffset: snap.ReasoningOffset,
			UpdatedAt:       now,
		})
		if i.metrics != nil {
			i.metrics.CacheFlushes.Inc()
		}
	}

	if session.dueDurableFlush(i.opts.DurableFlushInterval, now) {
		snap := session.snapshot()
		if err := i.flushDurable(ctx, snap); err != nil {
			i.logger.Warn("Durable flush failed for subtask %s, keeping session: %v", snap.SubtaskID, err)
		} else if i.metrics != nil {
			i.metrics.DurableFlushes.Inc()
		}
	}
}

// flushDurable writes the running projection; the subtask stays RUNNING.
func (i *Ingestor) flushDurable(ctx context.Context, snap snapshot) error {
	subtask, err := i.store.GetSubtask(ctx, snap.SubtaskID)
	if err != nil {
		return err
	}
	if subtask.Status.IsTerminal() {
		return nil
	}
	subtask.Result = snap.projection(true)
	return i.store.UpdateSubtask(ctx, subtask)
}

// SessionCount returns the number of tracked sessions.
func (i *Ingestor) SessionCount() int {
	return i.registry.len()
}

// SweepStale removes tracking entries idle past the ceiling and purges their
// cache state. It does not rewrite the durable store: a row left RUNNING past
// a crash is the external watchdog's problem.
func (i *Ingestor) SweepStale() int {
	cutoff := i.now().Add(-i.opts.SessionCeiling)
	swept := i.registry.sweep(cutoff, func(subtaskID string) {
		i.cache.Purge(subtaskID)
	})
	if swept > 0 {
		i.logger.Info("Swept %d stale streaming sessions", swept)
		if i.metrics != nil {
			i.metrics.SessionsSwept.Add(float64(swept))
			i.metrics.ActiveSessions.Set(float64(i.registry.len()))
		}
	}
	return swept
}

// RunSweeper periodically reclaims abandoned sessions until ctx is done.
func (i *Ingestor) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.SweepStale()
		}
	}
}
