package exchange

import (
	"sync"
	"time"
)

type positionsEntry struct {
	positions []PositionView
	fetchedAt time.Time
}

// positionsCache holds the last successful positions response per
// credential. Entries past the TTL are still kept as a stale fallback for
// rate-limited refreshes.
type positionsCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]positionsEntry
}

func newPositionsCache(ttl time.Duration) *positionsCache {
	return &positionsCache{
		ttl:     ttl,
		entries: make(map[string]positionsEntry),
	}
}

func (c *positionsCache) getFresh(credID string) ([]PositionView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[credID]
	if !ok || time.Since(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.positions, true
}

func (c *positionsCache) getStale(credID string) ([]PositionView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[credID]
	if !ok {
		return nil, false
	}
	return entry.positions, true
}

func (c *positionsCache) put(credID string, positions []PositionView) {
	c.mu.Lock()
	c.entries[credID] = positionsEntry{positions: positions, fetchedAt: time.Now()}
	c.mu.Unlock()
}
