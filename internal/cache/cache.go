// Package cache holds a Source's current row set: an insertion-order
// preserving primary-key → row map.
package cache

import (
	om "github.com/wk8/go-ordered-map/v2"

	"github.com/arc-self/viewstream/internal/row"
)

// Cache is mutated only by its owning Source's event-loop goroutine and is
// read-iterated by Views only while the Source holds it steady for a
// snapshot emission. It carries no internal locking — the
// single-writer/snapshot-under-control-of-owner discipline is the caller's
// responsibility.
type Cache struct {
	om *om.OrderedMap[any, row.Row]
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{om: om.New[any, row.Row]()}
}

// Set inserts or in-place-updates the row for its primary key. An update to
// an existing key preserves its position; a new key appends at the end.
func (c *Cache) Set(pk any, r row.Row) {
	c.om.Set(pk, r)
}

// Delete removes the row for pk, reporting whether it was present.
func (c *Cache) Delete(pk any) bool {
	_, ok := c.om.Delete(pk)
	return ok
}

// Get returns the row for pk and whether it was present.
func (c *Cache) Get(pk any) (row.Row, bool) {
	return c.om.Get(pk)
}

// Has reports whether pk is present.
func (c *Cache) Has(pk any) bool {
	_, ok := c.om.Get(pk)
	return ok
}

// Size returns the number of rows currently cached.
func (c *Cache) Size() int {
	return c.om.Len()
}

// Iterate calls fn for every row in insertion order. fn must not mutate the
// Cache; Iterate is only ever called from the owning Source's goroutine
// while it holds off applying new upstream lines, so stability across the
// full iteration is guaranteed.
func (c *Cache) Iterate(fn func(pk any, r row.Row)) {
	for pair := c.om.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Clear empties the cache, used when a Source disposes.
func (c *Cache) Clear() {
	c.om = om.New[any, row.Row]()
}
