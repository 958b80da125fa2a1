package notifylog

import (
	"context"
	"sync"

	"notifier/internal/domain"
)

// MemoryLog keeps entries in process memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

// NewMemoryLog creates empty in-memory log.
// Params: none.
// Returns: log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Record appends entry.
// Params: context and entry.
// Returns: nil.
func (l *MemoryLog) Record(_ context.Context, entry domain.LogEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return nil
}

// Entries returns a copy of recorded entries in record order.
// Params: none.
// Returns: entries snapshot.
func (l *MemoryLog) Entries() []domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByStatus counts entries per status.
func (l *MemoryLog) ByStatus() map[domain.Status]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[domain.Status]int)
	for _, entry := range l.entries {
		counts[entry.Status]++
	}
	return counts
}
