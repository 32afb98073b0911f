package rentsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeItems(n int) []Item {
	items := make([]Item, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range items {
		items[i] = Item{
			ID:        fmt.Sprintf("item-%02d", i),
			Title:     fmt.Sprintf("Item %d", i),
			Price:     float64(1000 * (i + 1)),
			PriceUnit: PerDay,
			Status:    StatusAvailable,
			CreatedAt: base.Add(-time.Duration(i) * time.Hour),
		}
	}
	return items
}

func TestSnapshotCache(t *testing.T) {
	t.Run("keeps the first entries", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		cache := NewSnapshotCache[Item](NewMemoryCacheBackend(0), WithCacheClock(clock))

		require.True(t, cache.Put("k", makeItems(45), 30))
		got, ok := cache.Get("k", 5*time.Minute)
		require.True(t, ok)
		require.Len(t, got, 30)
		assert.Equal(t, "item-00", got[0].ID)
		assert.Equal(t, "item-29", got[29].ID)
	})

	t.Run("expires after max age", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		backend := NewMemoryCacheBackend(0)
		cache := NewSnapshotCache[Item](backend, WithCacheClock(clock))

		require.True(t, cache.Put("k", makeItems(3), 30))
		clock.Advance(5 * time.Minute)
		_, ok := cache.Get("k", 5*time.Minute)
		assert.True(t, ok, "exactly max age is still fresh")

		clock.Advance(time.Millisecond)
		_, ok = cache.Get("k", 5*time.Minute)
		assert.False(t, ok)
		assert.Zero(t, backend.Len(), "expired entry and timestamp are removed")
	})

	t.Run("missing timestamp is a miss", func(t *testing.T) {
		backend := NewMemoryCacheBackend(0)
		cache := NewSnapshotCache[Item](backend)
		require.NoError(t, backend.Set("k", []byte(`[{"id":"x"}]`)))

		_, ok := cache.Get("k", time.Minute)
		assert.False(t, ok)
		assert.Zero(t, backend.Len())
	})

	t.Run("corrupt entry is a miss", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		backend := NewMemoryCacheBackend(0)
		cache := NewSnapshotCache[Item](backend, WithCacheClock(clock))
		require.NoError(t, backend.Set("k", []byte(`{not json`)))
		require.NoError(t, backend.Set("k"+timestampSuffix, []byte(fmt.Sprint(clock.Now().UnixMilli()))))

		_, ok := cache.Get("k", time.Minute)
		assert.False(t, ok)
		assert.Zero(t, backend.Len())
	})

	t.Run("quota exceeded clears the slot", func(t *testing.T) {
		small := NewMemoryCacheBackend(64)
		cache := NewSnapshotCache[Item](small)
		assert.False(t, cache.Put("k", makeItems(10), 30))
		assert.Zero(t, small.Len())
		_, ok := cache.Get("k", time.Minute)
		assert.False(t, ok)
	})

	t.Run("nil values store an empty list", func(t *testing.T) {
		cache := NewSnapshotCache[Item](NewMemoryCacheBackend(0))
		require.True(t, cache.Put("k", nil, 30))
		got, ok := cache.Get("k", time.Minute)
		assert.True(t, ok)
		assert.Empty(t, got)
	})
}

func TestFileCacheBackend(t *testing.T) {
	b, err := NewFileCacheBackend(t.TempDir())
	require.NoError(t, err)

	_, ok, err := b.Get("pinjamaja_items_cache")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set("pinjamaja_items_cache", []byte("[]")))
	data, ok, err := b.Get("pinjamaja_items_cache")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[]", string(data))

	require.NoError(t, b.Delete("pinjamaja_items_cache"))
	require.NoError(t, b.Delete("pinjamaja_items_cache"))
	_, ok, _ = b.Get("pinjamaja_items_cache")
	assert.False(t, ok)

	cache := NewSnapshotCache[Item](b)
	require.True(t, cache.Put("items/../escape", makeItems(2), 30))
	got, ok := cache.Get("items/../escape", time.Minute)
	assert.True(t, ok)
	assert.Len(t, got, 2)
}
