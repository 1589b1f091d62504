package entity

import (
	"slices"
	"sync"
	"time"
)

// DefaultHistorySpan is the lookback used when no explicit range is requested.
const DefaultHistorySpan = 24 * time.Hour

// HistoryLog is the insertion-ordered state history of one entity.
// No two consecutive entries are equal by value.
type HistoryLog struct {
	mu          sync.RWMutex
	entries     []StateRecord
	synthetic   int // leading entries installed by a synthetic Replace
	defaultSpan time.Duration
	maxEntries  int // 0 = unbounded
}

// NewHistoryLog returns an empty log. A non-positive span selects
// DefaultHistorySpan; maxEntries <= 0 disables retention.
func NewHistoryLog(defaultSpan time.Duration, maxEntries int) *HistoryLog {
	if defaultSpan <= 0 {
		defaultSpan = DefaultHistorySpan
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &HistoryLog{defaultSpan: defaultSpan, maxEntries: maxEntries}
}

// Append adds rec unless it equals the newest entry. Reports whether it was added.
func (h *HistoryLog) Append(rec StateRecord) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 && h.entries[n-1].Equal(rec) {
		return false
	}
	h.entries = append(h.entries, rec)
	if h.maxEntries > 0 && len(h.entries) > h.maxEntries {
		drop := len(h.entries) - h.maxEntries
		h.entries = slices.Delete(h.entries, 0, drop)
		h.synthetic = max(h.synthetic-drop, 0)
	}
	return true
}

// Replace discards the current contents and installs recs verbatim. When
// generated is set every installed entry counts as synthetic.
func (h *HistoryLog) Replace(recs []StateRecord, generated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = slices.Clone(recs)
	if h.maxEntries > 0 && len(h.entries) > h.maxEntries {
		h.entries = h.entries[len(h.entries)-h.maxEntries:]
	}
	h.synthetic = 0
	if generated {
		h.synthetic = len(h.entries)
	}
}

func (h *HistoryLog) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// At returns entry i; it panics when i is out of range, like a slice index.
func (h *HistoryLog) At(i int) StateRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries[i]
}

// Last returns the newest entry.
func (h *HistoryLog) Last() (StateRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return StateRecord{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Entries returns a copy of the log, oldest first.
func (h *HistoryLog) Entries() []StateRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.entries)
}

// IsGenerated reports whether any entry is synthetic. Live states appended
// after a synthetic Replace keep it true until retention drops the last
// synthetic entry; SyntheticLen tells the two apart.
func (h *HistoryLog) IsGenerated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.synthetic > 0
}

// SyntheticLen returns how many of the oldest entries are synthetic.
func (h *HistoryLog) SyntheticLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.synthetic
}

func (h *HistoryLog) DefaultTimeSpan() time.Duration { return h.defaultSpan }
func (h *HistoryLog) MaxEntries() int                { return h.maxEntries }
