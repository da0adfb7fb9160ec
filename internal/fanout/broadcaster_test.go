package fanout

import (
	"fmt"
	"testing"
)

func TestPublishDeliversToObservers(t *testing.T) {
	b := NewBroadcaster()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	b.Register("task-1", ch1)
	b.Register("task-1", ch2)
	other := make(chan Event, 10)
	b.Register("task-2", other)

	b.Publish(Event{Event: EventChunk, TaskID: "task-1", Delta: "x"})

	if len(ch1) != 1 || len(ch2) != 1 {
		t.Errorf("Expected delivery to both task-1 observers, got %d/%d", len(ch1), len(ch2))
	}
	if len(other) != 0 {
		t.Error("Expected no cross-task delivery")
	}
}

func TestPublishNonBlockingDrop(t *testing.T) {
	b := NewBroadcaster()

	full := make(chan Event, 1)
	b.Register("task-1", full)
	full <- Event{Event: EventChunk, TaskID: "task-1"}

	// A full buffer must not block the ingest path.
	b.Publish(Event{Event: EventChunk, TaskID: "task-1", Delta: "dropped"})

	if got := b.Snapshot().DroppedEvents; got != 1 {
		t.Errorf("Expected 1 dropped event, got %d", got)
	}
}

func TestCriticalEventEvictsOldest(t *testing.T) {
	b := NewBroadcaster()

	full := make(chan Event, 1)
	b.Register("task-1", full)
	full <- Event{Event: EventChunk, TaskID: "task-1", Delta: "old"}

	b.Publish(Event{Event: EventDone, TaskID: "task-1"})

	if len(full) != 1 {
		t.Fatalf("Expected 1 buffered event, got %d", len(full))
	}
	got := <-full
	if got.Event != EventDone {
		t.Errorf("Expected done event to displace oldest, got %s", got.Event)
	}
}

func TestHistoryReplayExcludesChunks(t *testing.T) {
	b := NewBroadcaster()

	b.Publish(Event{Event: EventStart, TaskID: "task-1"})
	b.Publish(Event{Event: EventChunk, TaskID: "task-1", Delta: "a"})
	b.Publish(Event{Event: EventReasoning, TaskID: "task-1", Delta: "r"})
	b.Publish(Event{Event: EventDone, TaskID: "task-1"})

	late := make(chan Event, 10)
	history := b.Register("task-1", late)

	if len(history) != 2 {
		t.Fatalf("Expected 2 history events, got %d", len(history))
	}
	if history[0].Event != EventStart || history[1].Event != EventDone {
		t.Errorf("Unexpected history order: %s, %s", history[0].Event, history[1].Event)
	}
}

func TestHistoryBounded(t *testing.T) {
	b := NewBroadcaster()
	b.maxHistory = 5

	for n := 0; n < 10; n++ {
		b.Publish(Event{Event: EventThinking, TaskID: "task-1", Offset: n})
	}

	history := b.History("task-1")
	if len(history) != 5 {
		t.Fatalf("Expected history capped at 5, got %d", len(history))
	}
	if history[0].Offset != 5 {
		t.Errorf("Expected oldest entries evicted, first offset %d", history[0].Offset)
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	b := NewBroadcaster()

	ch := make(chan Event, 1)
	b.Register("task-1", ch)
	if b.ClientCount("task-1") != 1 {
		t.Fatalf("Expected 1 client, got %d", b.ClientCount("task-1"))
	}

	b.Unregister("task-1", ch)
	if b.ClientCount("task-1") != 0 {
		t.Errorf("Expected 0 clients, got %d", b.ClientCount("task-1"))
	}
	if _, open := <-ch; open {
		t.Error("Expected channel closed on unregister")
	}

	// Publishing after the last client left must not panic.
	b.Publish(Event{Event: EventChunk, TaskID: "task-1"})
}

func TestPublishIgnoresEmptyTaskID(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Event{Event: EventDone})
	if len(b.History("")) != 0 {
		t.Error("Expected event without task id discarded")
	}
}

func TestConcurrentPublishAndRegister(t *testing.T) {
	b := NewBroadcaster()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 200; n++ {
			b.Publish(Event{Event: EventThinking, TaskID: "task-1", Offset: n})
		}
	}()

	for n := 0; n < 20; n++ {
		ch := make(chan Event, 256)
		b.Register(fmt.Sprintf("task-%d", n%3), ch)
		b.Unregister(fmt.Sprintf("task-%d", n%3), ch)
	}
	<-done
}
