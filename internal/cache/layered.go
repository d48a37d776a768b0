package cache

import "time"

// Layered reads the in-memory cache first and falls back to the durable one,
// promoting durable hits into memory. Writes go to both.
type Layered[T any] struct {
	mem     *Expiring
	durable *Persisted
}

// NewLayered creates a layered view. durable may be nil.
func NewLayered[T any](mem *Expiring, durable *Persisted) *Layered[T] {
	return &Layered[T]{mem: mem, durable: durable}
}

// Get returns a fresh value from either tier.
func (l *Layered[T]) Get(key string) (T, bool) {
	if v, ok := GetAs[T](l.mem, key); ok {
		return v, true
	}

	var v T
	if l.durable == nil {
		return v, false
	}

	expiresAt, ok := l.durable.GetWithExpiry(key, &v)
	if !ok {
		return v, false
	}

	l.mem.SetUntil(key, v, expiresAt)

	return v, true
}

// Set writes value to both tiers. Durable write errors are returned, the memory write
// always happens.
func (l *Layered[T]) Set(key string, value T, ttl time.Duration) error {
	l.mem.Set(key, value, ttl)
	if l.durable == nil {
		return nil
	}

	return l.durable.Set(key, value, ttl)
}

// IsValid reports whether either tier holds a fresh value.
func (l *Layered[T]) IsValid(key string) bool {
	if l.mem.IsValid(key) {
		return true
	}

	return l.durable != nil && l.durable.IsValid(key)
}
