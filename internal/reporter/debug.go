package reporter

import (
	"sync"
	"time"
)

// DefaultDebugLogSize bounds the in-memory trail when no size is given.
const DefaultDebugLogSize = 256

// DebugEntry is one line of the local signal trail.
type DebugEntry struct {
	Kind        string
	Description string
	At          time.Time
}

// DebugLog is a bounded in-memory ring of the signals and decisions this
// agent observed. It exists for post-incident inspection of a single run
// and is never persisted; once full, the oldest entries are dropped.
type DebugLog struct {
	mu      sync.Mutex
	entries []DebugEntry
	next    int
	full    bool
}

// NewDebugLog creates a ring holding at most size entries. A non-positive
// size falls back to DefaultDebugLogSize.
func NewDebugLog(size int) *DebugLog {
	if size <= 0 {
		size = DefaultDebugLogSize
	}
	return &DebugLog{entries: make([]DebugEntry, size)}
}

// Append records one entry stamped with the current time.
func (l *DebugLog) Append(kind, description string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = DebugEntry{
		Kind:        kind,
		Description: description,
		At:          time.Now(),
	}
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Entries returns a copy of the trail, oldest first.
func (l *DebugLog) Entries() []DebugEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]DebugEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}

	out := make([]DebugEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of retained entries.
func (l *DebugLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}
