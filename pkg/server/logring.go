package server

import (
	"sync"
	"time"
)

// LogEntry is one line in the operator log tail.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// LogRing keeps the most recent log entries for the operator tail
// endpoint. Writes never block and never fail; old entries are
// overwritten.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogRing{entries: make([]LogEntry, capacity)}
}

// Append records an entry, overwriting the oldest when full.
func (r *LogRing) Append(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Tail returns up to n entries, oldest first.
func (r *LogRing) Tail(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []LogEntry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
	}
	ordered = append(ordered, r.entries[:r.next]...)

	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
