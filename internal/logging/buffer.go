package logging

import (
	"sync"
	"time"
)

// LogEntry is one record kept for the logs API.
type LogEntry struct {
	// Seq numbers entries in write order, starting at 1. Zero means the
	// entry was never buffered.
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	App        string         `json:"app,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Query selects buffered entries. The zero Query selects everything.
type Query struct {
	App   string // only entries of this app
	After uint64 // only entries with a larger Seq
	Limit int    // only the newest Limit matches
}

func (q Query) match(e *LogEntry) bool {
	return e.Seq > q.After && (q.App == "" || e.App == q.App)
}

// RingBuffer keeps the newest entries up to a fixed capacity.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    uint64 // Seq of the next write
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &RingBuffer{entries: make([]LogEntry, size), next: 1}
}

// Write stores entry, evicting the oldest one when full, and returns it
// with its Seq set.
func (rb *RingBuffer) Write(entry LogEntry) LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	entry.Seq = rb.next
	rb.next++
	rb.entries[entry.Seq%uint64(len(rb.entries))] = entry
	return entry
}

// ReadAll returns every buffered entry, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Read(Query{})
}

// Read returns the entries matching q, oldest first.
func (rb *RingBuffer) Read(q Query) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	first := rb.oldest()
	if q.After >= first {
		first = q.After + 1
	}

	var result []LogEntry
	for seq := first; seq < rb.next; seq++ {
		e := &rb.entries[seq%uint64(len(rb.entries))]
		if q.match(e) {
			result = append(result, *e)
		}
	}

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[len(result)-q.Limit:]
	}
	return result
}

// Count returns the number of buffered entries.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.next - rb.oldest())
}

// LastSeq returns the Seq of the newest entry, or 0 when empty.
func (rb *RingBuffer) LastSeq() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.next - 1
}

// oldest returns the Seq of the oldest entry still held. Callers hold mu.
func (rb *RingBuffer) oldest() uint64 {
	size := uint64(len(rb.entries))
	if rb.next-1 < size {
		return 1
	}
	return rb.next - size
}
