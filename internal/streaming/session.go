package streaming

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

// Session tracks one in-flight subtask stream. It lives only in the
// ingestor's registry; the cache and the durable store receive projections,
// never the session itself.
type Session struct {
	mu sync.Mutex

	TaskID    string
	SubtaskID string

	content         strings.Builder
	offset          int
	reasoning       strings.Builder
	reasoningOffset int

	thinking  []store.ThinkingStep
	workbench *store.Workbench

	startedAt        time.Time
	lastCacheFlush   time.Time
	lastDurableFlush time.Time
	lastTouched      time.Time
}

func newSession(taskID, subtaskID string, now time.Time) *Session {
	return &Session{
		TaskID:           taskID,
		SubtaskID:        subtaskID,
		startedAt:        now,
		lastCacheFlush:   now,
		lastDurableFlush: now,
		lastTouched:      now,
	}
}

// appendContent appends a main-content delta and returns the new offset.
// Offsets count characters, not bytes, so producers and observers on other
// runtimes agree on resume positions for non-ASCII streams.
func (s *Session) appendContent(delta string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.WriteString(delta)
	s.offset += utf8.RuneCountInString(delta)
	s.lastTouched = now
	return s.offset
}

// appendReasoning appends a reasoning delta and returns the cumulative
// reasoning text and its offset.
func (s *Session) appendReasoning(delta string, now time.Time) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasoning.WriteString(delta)
	s.reasoningOffset += utf8.RuneCountInString(delta)
	s.lastTouched = now
	return s.reasoning.String(), s.reasoningOffset
}

// upsertThinking sets the step at index, extending the list when index equals
// its length. Out-of-range indexes beyond that are clamped to append; a
// producer replaying steps after a reconnect must not corrupt the list.
func (s *Session) upsertThinking(step store.ThinkingStep, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.Index >= 0 && step.Index < len(s.thinking) {
		s.thinking[step.Index] = step
	} else {
		step.Index = len(s.thinking)
		s.thinking = append(s.thinking, step)
	}
	s.lastTouched = now
}

// mergeWorkbench applies a delta to the workbench: list fields honor
// add/remove sets, Extra merges key-by-key, scalar status/error overwrite.
func (s *Session) mergeWorkbench(delta WorkbenchDelta, now time.Time) *store.Workbench {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workbench == nil {
		s.workbench = &store.Workbench{}
	}
	w := s.workbench

	if delta.FileChanges != nil {
		for _, change := range delta.FileChanges.Add {
			w.FileChanges = upsertFileChange(w.FileChanges, change)
		}
		for _, change := range delta.FileChanges.Remove {
			w.FileChanges = removeFileChange(w.FileChanges, change.Path)
		}
	}
	if delta.GitCommits != nil {
		for _, commit := range delta.GitCommits.Add {
			w.GitCommits = upsertGitCommit(w.GitCommits, commit)
		}
		for _, commit := range delta.GitCommits.Remove {
			w.GitCommits = removeGitCommit(w.GitCommits, commit.Hash)
		}
	}
	if len(delta.Extra) > 0 {
		if w.Extra == nil {
			w.Extra = make(map[string]json.RawMessage, len(delta.Extra))
		}
		for key, value := range delta.Extra {
			w.Extra[key] = value
		}
	}
	if delta.Status != "" {
		w.Status = delta.Status
	}
	if delta.Error != "" {
		w.Error = delta.Error
	}
	s.lastTouched = now
	return w.Clone()
}

func upsertFileChange(changes []store.FileChange, change store.FileChange) []store.FileChange {
	for i := range changes {
		if changes[i].Path == change.Path {
			changes[i] = change
			return changes
		}
	}
	return append(changes, change)
}

func removeFileChange(changes []store.FileChange, path string) []store.FileChange {
	out := changes[:0]
	for _, change := range changes {
		if change.Path != path {
			out = append(out, change)
		}
	}
	return out
}

func upsertGitCommit(commits []store.GitCommit, commit store.GitCommit) []store.GitCommit {
	for i := range commits {
		if commits[i].Hash == commit.Hash {
			commits[i] = commit
			return commits
		}
	}
	return append(commits, commit)
}

func removeGitCommit(commits []store.GitCommit, hash string) []store.GitCommit {
	out := commits[:0]
	for _, commit := range commits {
		if commit.Hash != hash {
			out = append(out, commit)
		}
	}
	return out
}

// snapshot is the copied-out projection used for flushes; I/O happens after
// the session mutex is released.
type snapshot struct {
	TaskID          string
	SubtaskID       string
	Content         string
	Offset          int
	Reasoning       string
	ReasoningOffset int
	Thinking        []store.ThinkingStep
	Workbench       *store.Workbench
	StartedAt       time.Time
}

func (s *Session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		TaskID:          s.TaskID,
		SubtaskID:       s.SubtaskID,
		Content:         s.content.String(),
		Offset:          s.offset,
		Reasoning:       s.reasoning.String(),
		ReasoningOffset: s.reasoningOffset,
		Workbench:       s.workbench.Clone(),
		StartedAt:       s.startedAt,
	}
	if len(s.thinking) > 0 {
		snap.Thinking = append([]store.ThinkingStep(nil), s.thinking...)
	}
	return snap
}

// projection builds the persisted result form of the snapshot.
func (snap snapshot) projection(streaming bool) *store.SubtaskResult {
	return &store.SubtaskResult{
		Value:            snap.Content,
		Thinking:         snap.Thinking,
		Workbench:        snap.Workbench,
		ReasoningContent: snap.Reasoning,
		Streaming:        streaming,
	}
}

// dueCacheFlush reports whether the cache cadence has elapsed and advances
// the flush timestamp when it has.
func (s *Session) dueCacheFlush(interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastCacheFlush) < interval {
		return false
	}
	s.lastCacheFlush = now
	return true
}

// dueDurableFlush is the durable-store counterpart of dueCacheFlush.
func (s *Session) dueDurableFlush(interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastDurableFlush) < interval {
		return false
	}
	s.lastDurableFlush = now
	return true
}

// idleSince returns the time of the last event or flush.
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouched
}
