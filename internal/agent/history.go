package agent

import (
	"sync"
	"time"
)

// HistoryWindowSize is the number of decision/action entries handed to the Decision Provider.
const HistoryWindowSize = 3

// EntryType classifies a HistoryEntry.
type EntryType string

const (
	EntryNavigation EntryType = "navigation"
	EntryDecision   EntryType = "decision"
	EntryAction     EntryType = "action"
	EntryError      EntryType = "error"
	EntryStop       EntryType = "stop"
)

// HistoryEntry is one append-only record of a session's history.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Type      EntryType `json:"type" yaml:"type"`
	Message   string    `json:"message" yaml:"message"`
	Status    Status    `json:"status,omitempty" yaml:"status,omitempty"`
	Action    *Action   `json:"action,omitempty" yaml:"action,omitempty"`
}

// ExecutionHistory is the ordered log of a session. Only the owning session appends;
// readers always receive copies.
type ExecutionHistory struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	now     func() time.Time
}

// NewExecutionHistory creates a history seeded with entries, typically from an import.
func NewExecutionHistory(entries ...HistoryEntry) *ExecutionHistory {
	// Round(0) strips the monotonic reading so entries survive a serialization round trip unchanged.
	h := &ExecutionHistory{now: func() time.Time { return time.Now().UTC().Round(0) }}
	if len(entries) > 0 {
		h.entries = make([]HistoryEntry, 0, len(entries))
		for _, e := range entries {
			h.entries = append(h.entries, cloneEntry(e))
		}
	}
	return h
}

// Append adds an entry, stamping it if no timestamp was set, and returns the stored copy.
func (h *ExecutionHistory) Append(e HistoryEntry) HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	e = cloneEntry(e)
	h.entries = append(h.entries, e)
	return cloneEntry(e)
}

// Entries returns a copy of the full sequence.
func (h *ExecutionHistory) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Window returns the trailing HistoryWindowSize decision/action entries, oldest first.
func (h *ExecutionHistory) Window() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	window := make([]HistoryEntry, 0, HistoryWindowSize)
	for i := len(h.entries) - 1; i >= 0 && len(window) < HistoryWindowSize; i-- {
		e := h.entries[i]
		if e.Type == EntryDecision || e.Type == EntryAction {
			window = append(window, cloneEntry(e))
		}
	}
	// Collected newest first.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window
}

// Last returns the most recent entry.
func (h *ExecutionHistory) Last() (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return cloneEntry(h.entries[len(h.entries)-1]), true
}

// Len returns the number of entries.
func (h *ExecutionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear removes every entry. The loop never calls this.
func (h *ExecutionHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// reset replaces the whole sequence, used when a session is restored from a record.
func (h *ExecutionHistory) reset(entries []HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		h.entries = append(h.entries, cloneEntry(e))
	}
}

func cloneEntry(e HistoryEntry) HistoryEntry {
	if e.Action != nil {
		a := *e.Action
		e.Action = &a
	}
	return e
}
