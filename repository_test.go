package rentsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemsRepo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, it := range makeItems(5) {
		store.Seed(TableItems, itemToRecord(it))
	}
	repo := NewRepository(store)

	res := repo.Items.List(ctx, 3)
	require.True(t, res.OK)
	require.Len(t, res.Value, 3)
	assert.Equal(t, "item-00", res.Value[0].ID, "newest first")

	created := repo.Items.Create(ctx, ItemInput{Title: "Gitar", Description: "akustik", Price: 25000, PriceUnit: PerWeek, Location: "Bogor"}, "u1", "sari")
	require.True(t, created.OK)
	assert.NotEmpty(t, created.Value.ID)
	assert.Equal(t, StatusAvailable, created.Value.Status)
	assert.False(t, created.Value.CreatedAt.IsZero())

	toggled := repo.Items.SetStatus(ctx, created.Value.ID, StatusUnavailable)
	require.True(t, toggled.OK)
	assert.Equal(t, StatusUnavailable, toggled.Value.Status)
	assert.Equal(t, "Gitar", toggled.Value.Title)

	missing := repo.Items.Update(ctx, "nope", ItemInput{Title: "x"})
	require.False(t, missing.OK)
	assert.Equal(t, CodeNotFound, missing.Error.Code)

	require.True(t, repo.Items.Delete(ctx, created.Value.ID).OK)
	assert.Len(t, store.Rows(TableItems), 5)

	store.Intercept(func(ctx context.Context, op Op, table string) error { return errors.New("dial tcp: timeout") })
	failed := repo.Items.List(ctx, 0)
	require.False(t, failed.OK)
	assert.Equal(t, CodeStore, failed.Error.Code)
	assert.ErrorContains(t, failed.Err(), "fetch items")
}

func TestWishlistRepo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewRepository(store)

	require.True(t, repo.Wishlist.Add(ctx, "u1", "i1").OK)
	require.True(t, repo.Wishlist.Add(ctx, "u2", "i1").OK)
	dup := repo.Wishlist.Add(ctx, "u1", "i1")
	require.False(t, dup.OK)
	assert.Equal(t, CodeConflict, dup.Error.Code)

	list := repo.Wishlist.List(ctx, "u1")
	require.True(t, list.OK)
	require.Len(t, list.Value, 1)
	assert.Equal(t, "i1", list.Value[0].ItemID)

	require.True(t, repo.Wishlist.Remove(ctx, "u1", "i1").OK)
	assert.Len(t, store.Rows(TableWishlist), 1)
}

func TestChatsRepo(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	repo := NewRepository(store, WithRepositoryClock(clock))

	t.Run("participants in either order find the same chat", func(t *testing.T) {
		a := repo.Chats.FindOrCreate(ctx, []string{"u1", "u2"}, "i1", "Tenda")
		require.True(t, a.OK)
		b := repo.Chats.FindOrCreate(ctx, []string{"u2", "u1"}, "i1", "Tenda")
		require.True(t, b.OK)
		assert.Equal(t, a.Value.ID, b.Value.ID)
		assert.True(t, a.Value.LastUpdated.Equal(clock.Now()))

		c := repo.Chats.FindOrCreate(ctx, []string{"u1", "u2"}, "i2", "Kamera")
		require.True(t, c.OK)
		assert.NotEqual(t, a.Value.ID, c.Value.ID)
		assert.Len(t, store.Rows(TableChats), 2)
	})

	t.Run("needs two distinct participants", func(t *testing.T) {
		res := repo.Chats.FindOrCreate(ctx, []string{"u1", "u1"}, "i1", "Tenda")
		require.False(t, res.OK)
		assert.Equal(t, CodeValidation, res.Error.Code)
	})

	t.Run("lost insert race reloads the winner", func(t *testing.T) {
		store := NewMemoryStore()
		repo := NewRepository(store)
		winner := store.Client()
		var raced bool
		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpInsert && table == TableChats && !raced {
				raced = true
				store.Intercept(nil)
				_, err := winner.Insert(ctx, TableChats, chatToRecord(Chat{ID: "winner", Participants: []string{"u2", "u1"}, ItemID: "i1"}))
				require.NoError(t, err)
			}
			return nil
		})

		res := repo.Chats.FindOrCreate(ctx, []string{"u1", "u2"}, "i1", "Tenda")
		require.True(t, res.OK, "%v", res.Err())
		assert.Equal(t, "winner", res.Value.ID)
		assert.Len(t, store.Rows(TableChats), 1)
	})

	t.Run("list and messages", func(t *testing.T) {
		chat := repo.Chats.FindOrCreate(ctx, []string{"u3", "u1"}, "i3", "Bor")
		require.True(t, chat.OK)

		sent := repo.Messages.Send(ctx, chat.Value.ID, "u3", "dewi", "boleh pinjam?")
		require.True(t, sent.OK)
		assert.Equal(t, "dewi", sent.Value.SenderName)

		list := repo.Chats.List(ctx, "u1")
		require.True(t, list.OK)
		assert.Len(t, list.Value, 3)
		for _, c := range list.Value {
			if c.ID == chat.Value.ID {
				assert.Equal(t, "boleh pinjam?", c.LastMessage)
			}
		}

		msgs := repo.Messages.List(ctx, chat.Value.ID)
		require.True(t, msgs.OK)
		require.Len(t, msgs.Value, 1)
		assert.Equal(t, "u3", msgs.Value[0].SenderID)

		none := repo.Chats.List(ctx, "u9")
		require.True(t, none.OK)
		assert.Empty(t, none.Value)
	})
}

func TestUsersRepo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewRepository(store)

	require.True(t, repo.Users.CreateProfile(ctx, Profile{ID: "u1", Username: "sari", Email: "sari@example.com"}).OK)
	name := repo.Users.Username(ctx, "u1")
	require.True(t, name.OK)
	assert.Equal(t, "sari", name.Value)

	renamed := repo.Users.UpdateUsername(ctx, "u1", "sari_k")
	require.True(t, renamed.OK)
	assert.Equal(t, "sari_k", renamed.Value.Username)

	missing := repo.Users.Username(ctx, "u2")
	require.False(t, missing.OK)
	assert.Equal(t, CodeNotFound, missing.Error.Code)
}
