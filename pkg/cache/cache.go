// Package cache implements the aggregator cache: a single-slot,
// short-TTL memoization of the aggregated tools/list result, invalidated
// explicitly on backend state change.
package cache

import (
	"sync"
	"time"
)

// entry is the cached value plus its expiry, per the // Cached Response{value, expires_at}.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// ToolsListCache is the single mutex-guarded slot of this design. The
// cache key is implicit: this core caches exactly one thing, the
// aggregated tools/list result, so there is no map to key by.
//
// Lock hierarchy note: this is the bottom of the documented
// hierarchy (state-lock -> pool-lock -> cache-lock); code holding this
// mutex must never attempt to acquire a state or pool lock.
type ToolsListCache struct {
	mu  sync.Mutex
	val *entry
}

// New returns an empty cache.
func New() *ToolsListCache {
	return &ToolsListCache{}
}

// GetFresh returns (value, true) iff the slot is populated and unexpired.
func (c *ToolsListCache) GetFresh(now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.val == nil || !now.Before(c.val.expiresAt) {
		return nil, false
	}
	return c.val.value, true
}

// Put overwrites the slot with value, expiring after ttl from now.
//
// Writers do not coalesce: concurrent misses may both compute and both
// Put, the last writer winning. Per this design this racy double-compute
// is acceptable and transient.
func (c *ToolsListCache) Put(value []byte, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = &entry{value: value, expiresAt: now.Add(ttl)}
}

// Clear wipes the slot, used whenever the Backend Manager changes any
// backend's enabled/state (add, remove, enable, disable, fail, ready).
func (c *ToolsListCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = nil
}
