package streaming

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/wecode-ai/Wegent-sub007/internal/store"
)

func TestAppendContentOffsets(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	if got := session.appendContent("hello", now); got != 5 {
		t.Errorf("Expected offset 5, got %d", got)
	}
	if got := session.appendContent(" world", now); got != 11 {
		t.Errorf("Expected offset 11, got %d", got)
	}

	snap := session.snapshot()
	if snap.Content != "hello world" {
		t.Errorf("Expected accumulated content, got %q", snap.Content)
	}
	if snap.Offset != 11 {
		t.Errorf("Expected snapshot offset 11, got %d", snap.Offset)
	}
}

func TestAppendContentMultibyteOffsets(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	// Offsets count characters so non-ASCII streams keep a stable cursor.
	if got := session.appendContent("héllo", now); got != 5 {
		t.Errorf("Expected character offset 5, got %d", got)
	}
	if got := session.appendContent(" 世界", now); got != 8 {
		t.Errorf("Expected character offset 8, got %d", got)
	}
	if _, offset := session.appendReasoning("思考中", now); offset != 3 {
		t.Errorf("Expected reasoning offset 3, got %d", offset)
	}
}

func TestAppendReasoningCumulative(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	cumulative, offset := session.appendReasoning("think", now)
	if cumulative != "think" || offset != 5 {
		t.Errorf("Expected (think, 5), got (%q, %d)", cumulative, offset)
	}
	cumulative, offset = session.appendReasoning("ing", now)
	if cumulative != "thinking" || offset != 8 {
		t.Errorf("Expected (thinking, 8), got (%q, %d)", cumulative, offset)
	}
}

func TestUpsertThinking(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	session.upsertThinking(store.ThinkingStep{Index: 0, Title: "plan"}, now)
	session.upsertThinking(store.ThinkingStep{Index: 1, Title: "execute"}, now)
	session.upsertThinking(store.ThinkingStep{Index: 0, Title: "re-plan", Status: "done"}, now)
	// Out-of-range index clamps to append instead of corrupting the list.
	session.upsertThinking(store.ThinkingStep{Index: 99, Title: "verify"}, now)

	snap := session.snapshot()
	if len(snap.Thinking) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(snap.Thinking))
	}
	if snap.Thinking[0].Title != "re-plan" || snap.Thinking[0].Status != "done" {
		t.Errorf("Expected in-place overwrite at 0, got %+v", snap.Thinking[0])
	}
	if snap.Thinking[2].Title != "verify" || snap.Thinking[2].Index != 2 {
		t.Errorf("Expected clamped append at 2, got %+v", snap.Thinking[2])
	}
}

func TestMergeWorkbenchAddRemove(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	session.mergeWorkbench(WorkbenchDelta{
		FileChanges: &FileChangeDelta{
			Add: []store.FileChange{
				{Path: "a.go", Action: "create"},
				{Path: "b.go", Action: "create"},
			},
		},
	}, now)
	merged := session.mergeWorkbench(WorkbenchDelta{
		FileChanges: &FileChangeDelta{
			Add:    []store.FileChange{{Path: "a.go", Action: "modify", Diff: "+x"}},
			Remove: []store.FileChange{{Path: "b.go"}},
		},
	}, now)

	if len(merged.FileChanges) != 1 {
		t.Fatalf("Expected 1 file change, got %d", len(merged.FileChanges))
	}
	if merged.FileChanges[0].Action != "modify" || merged.FileChanges[0].Diff != "+x" {
		t.Errorf("Expected upsert by path, got %+v", merged.FileChanges[0])
	}

	// Removing everything yields an empty list, not a stale one.
	merged = session.mergeWorkbench(WorkbenchDelta{
		FileChanges: &FileChangeDelta{Remove: []store.FileChange{{Path: "a.go"}}},
	}, now)
	if len(merged.FileChanges) != 0 {
		t.Errorf("Expected empty file changes, got %+v", merged.FileChanges)
	}
}

func TestMergeWorkbenchCommitsAndScalars(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	session.mergeWorkbench(WorkbenchDelta{
		GitCommits: &GitCommitDelta{Add: []store.GitCommit{{Hash: "abc", Message: "first"}}},
		Status:     "working",
	}, now)
	merged := session.mergeWorkbench(WorkbenchDelta{
		GitCommits: &GitCommitDelta{Add: []store.GitCommit{{Hash: "abc", Message: "amended"}}},
		Status:     "done",
		Error:      "warning",
	}, now)

	if len(merged.GitCommits) != 1 || merged.GitCommits[0].Message != "amended" {
		t.Errorf("Expected commit upsert by hash, got %+v", merged.GitCommits)
	}
	if merged.Status != "done" || merged.Error != "warning" {
		t.Errorf("Expected scalar overwrite, got status=%q error=%q", merged.Status, merged.Error)
	}

	// A delta without scalars leaves them untouched.
	merged = session.mergeWorkbench(WorkbenchDelta{}, now)
	if merged.Status != "done" {
		t.Errorf("Expected status preserved, got %q", merged.Status)
	}
}

func TestMergeWorkbenchExtra(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)

	session.mergeWorkbench(WorkbenchDelta{
		Extra: map[string]json.RawMessage{
			"preview_url": json.RawMessage(`"http://a"`),
			"kept":        json.RawMessage(`1`),
		},
	}, now)
	merged := session.mergeWorkbench(WorkbenchDelta{
		Extra: map[string]json.RawMessage{"preview_url": json.RawMessage(`"http://b"`)},
	}, now)

	if string(merged.Extra["preview_url"]) != `"http://b"` {
		t.Errorf("Expected key overwrite, got %s", merged.Extra["preview_url"])
	}
	if string(merged.Extra["kept"]) != `1` {
		t.Errorf("Expected untouched key preserved, got %s", merged.Extra["kept"])
	}
}

func TestSnapshotIsolation(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)
	session.upsertThinking(store.ThinkingStep{Index: 0, Title: "plan"}, now)
	session.mergeWorkbench(WorkbenchDelta{
		FileChanges: &FileChangeDelta{Add: []store.FileChange{{Path: "a.go"}}},
	}, now)

	snap := session.snapshot()
	snap.Thinking[0].Title = "mutated"
	snap.Workbench.FileChanges[0].Path = "mutated"

	again := session.snapshot()
	if again.Thinking[0].Title != "plan" || again.Workbench.FileChanges[0].Path != "a.go" {
		t.Error("Snapshot aliased session state")
	}
}

func TestProjection(t *testing.T) {
	now := time.Now()
	session := newSession("task-1", "subtask-1", now)
	session.appendContent("output", now)
	session.appendReasoning("because", now)

	running := session.snapshot().projection(true)
	if running.Value != "output" || running.ReasoningContent != "because" {
		t.Errorf("Unexpected projection: %+v", running)
	}
	if !running.Streaming {
		t.Error("Expected streaming flag on running projection")
	}
	final := session.snapshot().projection(false)
	if final.Streaming {
		t.Error("Expected streaming flag cleared on final projection")
	}
}

func TestFlushCadence(t *testing.T) {
	base := time.Now()
	session := newSession("task-1", "subtask-1", base)
	interval := time.Second

	if !session.dueCacheFlush(interval, base.Add(interval)) {
		t.Fatal("Expected first elapsed tick to be due")
	}
	if session.dueCacheFlush(interval, base.Add(interval+500*time.Millisecond)) {
		t.Error("Expected tick inside interval to be throttled")
	}
	if !session.dueCacheFlush(interval, base.Add(2*interval)) {
		t.Error("Expected next elapsed tick to be due")
	}

	// The durable cadence runs independently.
	if !session.dueDurableFlush(4*interval, base.Add(4*interval)) {
		t.Error("Expected durable flush to be due on its own clock")
	}
}
