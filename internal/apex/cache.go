package apex

import (
	"sync"
	"time"
)

// cache keeps the last successful response. Expired values are still
// returned by last so callers can fall back to them.
type cache[T any] struct {
	ttl time.Duration

	mu        sync.Mutex
	value     T
	fetchedAt time.Time
	ok        bool
}

func newCache[T any](ttl time.Duration) *cache[T] {
	return &cache[T]{ttl: ttl}
}

func (c *cache[T]) fresh(now time.Time) (T, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ok || now.Sub(c.fetchedAt) >= c.ttl {
		var zero T
		return zero, time.Time{}, false
	}
	return c.value, c.fetchedAt, true
}

func (c *cache[T]) last() (T, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.fetchedAt, c.ok
}

func (c *cache[T]) put(value T, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.fetchedAt = at
	c.ok = true
}
