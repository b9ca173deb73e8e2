// Package cache is the process-wide scratch space that survives a rehash.
// Values are handed over once: Get removes what it returns.
package cache

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Cache is a goroutine-safe keyed store of opaque values.
type Cache struct {
	m cmap.ConcurrentMap[string, any]
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{m: cmap.New[any]()}
}

// Set stores value under key, replacing any previous value.
func (c *Cache) Set(key string, value any) {
	c.m.Set(key, value)
}

// Get removes and returns the value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	return c.m.Pop(key)
}

// Size returns the number of stored values.
func (c *Cache) Size() int {
	return c.m.Count()
}

// Clear removes every value.
func (c *Cache) Clear() {
	c.m.Clear()
}

// Take pops key and asserts its type. A stored value of another type is
// left consumed and reported as missing.
func Take[T any](c *Cache, key string) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
