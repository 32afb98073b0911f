package rentsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster(t *testing.T) {
	t.Run("delivers per table with filters", func(t *testing.T) {
		b := NewBroadcaster(4)
		ctx := context.Background()
		mine := Eq("user_id", "u1")
		all := b.Subscribe(ctx, TableWishlist, SubscribeOptions{})
		scoped := b.Subscribe(ctx, TableWishlist, SubscribeOptions{Filter: &mine})
		other := b.Subscribe(ctx, TableItems, SubscribeOptions{})
		defer all.Close()
		defer scoped.Close()
		defer other.Close()

		n := b.Publish(ChangeEvent{Table: TableWishlist, Kind: ChangeInsert, New: Record{"id": "w1", "user_id": "u2"}})
		assert.Equal(t, 1, n)
		n = b.Publish(ChangeEvent{Table: TableWishlist, Kind: ChangeInsert, New: Record{"id": "w2", "user_id": "u1"}})
		assert.Equal(t, 2, n)

		assert.Len(t, all.Events(), 2)
		assert.Len(t, scoped.Events(), 1)
		assert.Empty(t, other.Events())
		assert.ElementsMatch(t, []string{TableWishlist, TableItems}, b.Tables())
	})

	t.Run("full buffers drop instead of blocking", func(t *testing.T) {
		b := NewBroadcaster(1)
		sub := b.Subscribe(context.Background(), TableItems, SubscribeOptions{})
		defer sub.Close()

		b.Publish(ChangeEvent{Table: TableItems, Kind: ChangeInsert, New: Record{"id": "a"}})
		b.Publish(ChangeEvent{Table: TableItems, Kind: ChangeInsert, New: Record{"id": "b"}})
		assert.Equal(t, 1, b.Dropped())
		ev := <-sub.Events()
		assert.Equal(t, "a", ev.RecordID())
	})

	t.Run("context end closes the subscription", func(t *testing.T) {
		b := NewBroadcaster(0)
		ctx, cancel := context.WithCancel(context.Background())
		sub := b.Subscribe(ctx, TableChats, SubscribeOptions{})
		require.Equal(t, 1, b.Subscribers(TableChats))
		cancel()

		require.Eventually(t, func() bool { return b.Subscribers(TableChats) == 0 }, time.Second, 5*time.Millisecond)
		_, ok := <-sub.Events()
		assert.False(t, ok)
		assert.NoError(t, sub.Close())
	})

	t.Run("failures reach every subscription", func(t *testing.T) {
		b := NewBroadcaster(0)
		a := b.Subscribe(context.Background(), TableChats, SubscribeOptions{})
		c := b.Subscribe(context.Background(), TableMessages, SubscribeOptions{})
		defer a.Close()
		defer c.Close()

		boom := errors.New("channel closed")
		b.FailAll(boom)
		assert.ErrorIs(t, <-a.Errors(), boom)
		assert.ErrorIs(t, <-c.Errors(), boom)
	})
}
