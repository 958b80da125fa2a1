package dedup

import (
	"context"
	"sync"
	"time"

	"notifier/internal/clock"
	"notifier/internal/domain"
)

// MemoryCache keeps dispatch decisions in process memory for single-instance mode.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	entries map[domain.DedupKey]time.Time
}

// NewMemoryCache creates in-memory dedup cache.
// Params: suppression window and clock (real clock when nil).
// Returns: initialized cache.
func NewMemoryCache(window time.Duration, clk clock.Clock) *MemoryCache {
	return &MemoryCache{
		clock:   clock.OrReal(clk),
		window:  window,
		entries: make(map[domain.DedupKey]time.Time),
	}
}

// ShouldDispatch records key unless an unexpired entry exists.
// Params: context (unused) and dedup key.
// Returns: true when the caller may dispatch.
func (c *MemoryCache) ShouldDispatch(_ context.Context, key domain.DedupKey) (bool, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiresAt, ok := c.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	c.entries[key] = now.Add(c.window)
	return true, nil
}

// Sweep removes expired entries.
// Params: none.
// Returns: number of removed entries.
func (c *MemoryCache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries periodically until ctx is done.
// Params: context and sweep interval (window when <=0).
// Returns: none.
func (c *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.window
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Clear drops all entries.
// Params: none.
// Returns: none.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.DedupKey]time.Time)
}

// Len returns number of stored entries including expired ones not yet swept.
// Params: none.
// Returns: entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
