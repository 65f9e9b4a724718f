package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/viewstream/internal/cache"
	"github.com/arc-self/viewstream/internal/row"
)

func TestSetPreservesInsertionOrderOnUpdate(t *testing.T) {
	c := cache.New()
	c.Set(int64(1), row.Row{"pk": int64(1), "v": "a"})
	c.Set(int64(2), row.Row{"pk": int64(2), "v": "b"})
	c.Set(int64(3), row.Row{"pk": int64(3), "v": "c"})

	// In-place update of an existing key must not move it.
	c.Set(int64(2), row.Row{"pk": int64(2), "v": "b2"})

	var order []any
	c.Iterate(func(pk any, r row.Row) {
		order = append(order, pk)
	})
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, order)

	r, ok := c.Get(int64(2))
	require.True(t, ok)
	assert.Equal(t, "b2", r["v"])
}

func TestDeleteRemovesAndReportsPresence(t *testing.T) {
	c := cache.New()
	c.Set(int64(1), row.Row{"pk": int64(1)})

	assert.True(t, c.Delete(int64(1)))
	assert.False(t, c.Delete(int64(1)), "deleting an already-absent key reports false")
	assert.False(t, c.Has(int64(1)))
	assert.Equal(t, 0, c.Size())
}

func TestIterateIsInsertionOrderNotKeyOrder(t *testing.T) {
	c := cache.New()
	c.Set(int64(5), row.Row{"pk": int64(5)})
	c.Set(int64(1), row.Row{"pk": int64(1)})
	c.Set(int64(3), row.Row{"pk": int64(3)})

	var order []any
	c.Iterate(func(pk any, r row.Row) { order = append(order, pk) })
	assert.Equal(t, []any{int64(5), int64(1), int64(3)}, order)
}

func TestClearEmptiesCache(t *testing.T) {
	c := cache.New()
	c.Set(int64(1), row.Row{"pk": int64(1)})
	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.False(t, c.Has(int64(1)))
}
