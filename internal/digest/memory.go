package digest

import (
	"context"
	"sort"
	"sync"
	"time"

	"notifier/internal/domain"
)

// MemoryQueue keeps digest entries in process memory.
type MemoryQueue struct {
	mu      sync.Mutex
	pending map[string][]domain.DigestEntry
}

// NewMemoryQueue creates empty in-memory digest queue.
// Params: none.
// Returns: initialized queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: make(map[string][]domain.DigestEntry)}
}

// Enqueue appends entry under lock.
// Params: context (unused), user id and entry.
// Returns: nil.
func (q *MemoryQueue) Enqueue(_ context.Context, userID string, entry domain.DigestEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[userID] = append(q.pending[userID], entry)
	return nil
}

// Flush swaps the user's slice out under lock.
// Params: context (unused) and user id.
// Returns: drained entries in enqueue order.
func (q *MemoryQueue) Flush(_ context.Context, userID string) ([]domain.DigestEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.pending[userID]
	delete(q.pending, userID)
	return entries, nil
}

// Requeue prepends entries.
// Params: context (unused), user id and entries previously flushed.
// Returns: nil.
func (q *MemoryQueue) Requeue(_ context.Context, userID string, entries []domain.DigestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]domain.DigestEntry, 0, len(entries)+len(q.pending[userID]))
	merged = append(merged, entries...)
	merged = append(merged, q.pending[userID]...)
	q.pending[userID] = merged
	return nil
}

// Oldest returns the earliest enqueue time among pending entries.
// Params: context (unused) and user id.
// Returns: enqueue time and whether anything is pending.
func (q *MemoryQueue) Oldest(_ context.Context, userID string) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.pending[userID]
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	oldest := entries[0].EnqueuedAt
	for _, entry := range entries[1:] {
		if entry.EnqueuedAt.Before(oldest) {
			oldest = entry.EnqueuedAt
		}
	}
	return oldest, true, nil
}

// Users lists users with pending entries.
// Params: context (unused).
// Returns: sorted user ids.
func (q *MemoryQueue) Users(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	users := make([]string, 0, len(q.pending))
	for userID, entries := range q.pending {
		if len(entries) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}
