// Package cache provides the low-latency buffer store for in-flight
// streaming sessions. Entries carry a bounded lifetime so a crashed writer
// cannot leave stale data readable forever; the in-process session registry
// stays authoritative.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// BufferEntry is the cached projection of one session's stream buffers.
type BufferEntry struct {
	Content         string    `json:"content"`
	Offset          int       `json:"offset"`
	Reasoning       string    `json:"reasoning,omitempty"`
	ReasoningOffset int       `json:"reasoning_offset,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SessionMeta is the cached ephemeral metadata of one session.
type SessionMeta struct {
	TaskID    string    `json:"task_id"`
	SubtaskID string    `json:"subtask_id"`
	StartedAt time.Time `json:"started_at"`
}

// StreamCache holds per-subtask stream buffers and session metadata with TTL
// eviction.
type StreamCache struct {
	buffers *expirable.LRU[string, BufferEntry]
	meta    *expirable.LRU[string, SessionMeta]
}

// New creates a stream cache bounded to size entries per concern, each with
// the given TTL.
func New(size int, ttl time.Duration) *StreamCache {
	if size <= 0 {
		size = 4096
	}
	return &StreamCache{
		buffers: expirable.NewLRU[string, BufferEntry](size, nil, ttl),
		meta:    expirable.NewLRU[string, SessionMeta](size, nil, ttl),
	}
}

// PutBuffer stores the stream buffers for a subtask.
func (c *StreamCache) PutBuffer(subtaskID string, entry BufferEntry) {
	c.buffers.Add(subtaskID, entry)
}

// GetBuffer returns the cached buffers for a subtask.
func (c *StreamCache) GetBuffer(subtaskID string) (BufferEntry, bool) {
	return c.buffers.Get(subtaskID)
}

// PutMeta stores session metadata for a subtask.
func (c *StreamCache) PutMeta(subtaskID string, meta SessionMeta) {
	c.meta.Add(subtaskID, meta)
}

// GetMeta returns the cached session metadata for a subtask.
func (c *StreamCache) GetMeta(subtaskID string) (SessionMeta, bool) {
	return c.meta.Get(subtaskID)
}

// Purge removes all cached state for a subtask. Called on terminal events and
// by the stale-session sweep.
func (c *StreamCache) Purge(subtaskID string) {
	c.buffers.Remove(subtaskID)
	c.meta.Remove(subtaskID)
}

// Len returns the number of cached buffer entries.
func (c *StreamCache) Len() int {
	return c.buffers.Len()
}
