// Package cache provides TTL caches used by the rate fetchers.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxEntries = 256

type entry struct {
	value     any
	expiresAt time.Time
}

// Expiring is an in-memory TTL cache with LRU eviction at a fixed capacity.
// Get and Set both refresh recency.
type Expiring struct {
	// mu makes the freshness check and the eviction of a stale entry one step.
	mu    sync.Mutex
	items *lru.Cache[string, entry]
	now   func() time.Time
}

// Option configures an Expiring cache.
type Option func(*Expiring)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Expiring) {
		c.now = now
	}
}

// NewExpiring creates a cache holding at most maxEntries keys.
func NewExpiring(maxEntries int, opts ...Option) *Expiring {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	// lru.New only fails on a non-positive size
	items, _ := lru.New[string, entry](maxEntries)

	c := &Expiring{
		items: items,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Set stores value until now+ttl.
func (c *Expiring) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})
}

// SetUntil stores value with an absolute expiry.
func (c *Expiring) SetUntil(key string, value any, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Add(key, entry{value: value, expiresAt: expiresAt})
}

// Get returns a fresh value and marks it recently used. Expired entries are evicted.
func (c *Expiring) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Peek(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		return nil, false
	}

	c.items.Get(key)

	return e.value, true
}

// IsValid reports whether key holds a fresh value without touching recency.
func (c *Expiring) IsValid(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Peek(key)

	return ok && c.now().Before(e.expiresAt)
}

// Delete removes key.
func (c *Expiring) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Remove(key)
}

// Cleanup drops every expired entry and returns how many were removed.
func (c *Expiring) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0

	for _, key := range c.items.Keys() {
		e, ok := c.items.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.items.Remove(key)
			removed++
		}
	}

	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Expiring) Len() int {
	return c.items.Len()
}

// GetAs returns the cached value when it has type T.
func GetAs[T any](c *Expiring, key string) (T, bool) {
	var zero T

	raw, ok := c.Get(key)
	if !ok {
		return zero, false
	}

	v, ok := raw.(T)
	if !ok {
		return zero, false
	}

	return v, true
}
