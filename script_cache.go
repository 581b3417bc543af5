package riscvlike

import "errors"

// errCacheFull is returned when a per-request cache hits its entry cap.
var errCacheFull = errors.New("too many cached items")

type cacheEntry[T any] struct {
	item     T
	hash     uint32
	live     bool
	nonOwned bool
}

// Cache is a fixed-capacity handle table for per-request objects: compiled
// regexes and resolved directors. Handles are array indices, stable within
// one request and never reused across requests.
//
// A fork loans the template's entries as non-owned: they stay valid for the
// request but are not released by the Script destructor. Only entries the
// Script created itself are owned.
type Cache[T any] struct {
	entries []cacheEntry[T]
	max     int
}

// NewCache returns a cache capped at min(max, hard).
func NewCache[T any](max, hard int) *Cache[T] {
	if max > hard {
		max = hard
	}
	return &Cache[T]{max: max}
}

// Get returns the item at a handle.
func (c *Cache[T]) Get(idx int) (T, bool) {
	var zero T
	if idx < 0 || idx >= len(c.entries) || !c.entries[idx].live {
		return zero, false
	}
	return c.entries[idx].item, true
}

// Find returns the handle of the first entry with the given hash, or -1.
// Hashes key on the source text so guests compiling the same pattern twice
// get the same handle back.
func (c *Cache[T]) Find(hash uint32) int {
	for idx := range c.entries {
		if c.entries[idx].live && c.entries[idx].hash == hash {
			return idx
		}
	}
	return -1
}

// Manage stores an owned item and returns its handle.
func (c *Cache[T]) Manage(item T, hash uint32) (int, error) {
	if len(c.entries) >= c.max {
		return -1, errCacheFull
	}
	c.entries = append(c.entries, cacheEntry[T]{item: item, hash: hash, live: true})
	return len(c.entries) - 1, nil
}

// Free drops the entry at a handle. The slot is not reused.
func (c *Cache[T]) Free(idx int) {
	if idx >= 0 && idx < len(c.entries) {
		c.entries[idx] = cacheEntry[T]{}
	}
}

// Len returns the number of slots handed out, live or not.
func (c *Cache[T]) Len() int { return len(c.entries) }

// Max returns the entry cap.
func (c *Cache[T]) Max() int { return c.max }

// LoanFrom copies the live entries of source in as non-owned. Fork uses
// this so patterns compiled at main()-time need no recompilation per
// request.
func (c *Cache[T]) LoanFrom(source *Cache[T]) error {
	for idx := range source.entries {
		e := &source.entries[idx]
		if !e.live {
			continue
		}
		if len(c.entries) >= c.max {
			return errCacheFull
		}
		c.entries = append(c.entries, cacheEntry[T]{
			item: e.item, hash: e.hash, live: true, nonOwned: true,
		})
	}
	return nil
}

// ForeachOwned visits the entries this cache owns, skipping loaned entries,
// which belong to the template. Script.Close does not call it; it drops the
// caches whole.
func (c *Cache[T]) ForeachOwned(fn func(item T)) {
	for idx := range c.entries {
		e := &c.entries[idx]
		if e.live && !e.nonOwned {
			fn(e.item)
		}
	}
}
