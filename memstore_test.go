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

func TestMemoryStoreRows(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(WithMemoryClock(clock))

	row, err := store.Insert(ctx, TableItems, Record{"title": "Tenda"})
	require.NoError(t, err)
	assert.NotEmpty(t, row.ID())
	assert.True(t, row.Time("created_at").Equal(clock.Now()))

	_, err = store.Insert(ctx, TableItems, Record{"id": row.ID()})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = store.Update(ctx, TableItems, "nope", Record{"title": "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := store.Update(ctx, TableItems, row.ID(), Record{"id": "hijack", "title": "Tenda besar"})
	require.NoError(t, err)
	assert.Equal(t, row.ID(), updated.ID())
	assert.Equal(t, "Tenda besar", updated.String("title"))

	updated["title"] = "mutated outside"
	rows, err := store.Select(ctx, TableItems, Query{})
	require.NoError(t, err)
	assert.Equal(t, "Tenda besar", rows[0].String("title"))

	require.NoError(t, store.Delete(ctx, TableItems, Eq("id", row.ID())))
	assert.Empty(t, store.Rows(TableItems))
}

func TestMemoryStoreUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Insert(ctx, TableChats, Record{"participants": []string{"u1", "u2"}, "item_id": "i1"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, TableChats, Record{"participants": []string{"u2", "u1"}, "item_id": "i1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	store.SetUnique(TableChats, nil)
	_, err = store.Insert(ctx, TableChats, Record{"participants": []string{"u2", "u1"}, "item_id": "i1"})
	assert.NoError(t, err)
}

func TestMemoryStoreFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore(WithSubscriptionBuffer(2))

	sub, err := store.Subscribe(ctx, TableMessages, SubscribeOptions{Kinds: []ChangeKind{ChangeInsert}})
	require.NoError(t, err)
	defer sub.Close()

	row, err := store.Insert(ctx, TableMessages, Record{"chat_id": "c1", "text": "halo"})
	require.NoError(t, err)
	_, err = store.Update(ctx, TableMessages, row.ID(), Record{"text": "halo!"})
	require.NoError(t, err)

	ev := <-sub.Events()
	assert.Equal(t, ChangeInsert, ev.Kind)
	assert.Equal(t, row.ID(), ev.RecordID())
	assert.False(t, ev.CommitTime.IsZero())
	assert.Empty(t, sub.Events(), "updates are filtered out")

	store.Seed(TableMessages, Record{"chat_id": "c1"})
	assert.Empty(t, sub.Events(), "seeding is silent")

	for i := 0; i < 3; i++ {
		_, err := store.Insert(ctx, TableMessages, Record{"chat_id": "c1"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.Dropped())
}

func TestMemoryClientAuth(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	phone, laptop := store.Client(), store.Client()

	id, err := phone.SignUp(ctx, " Sari@Example.com ", "tenda123")
	require.NoError(t, err)
	assert.Equal(t, "sari@example.com", id.Email)

	_, err = laptop.SignUp(ctx, "sari@example.com", "lain123")
	assert.ErrorIs(t, err, ErrDuplicate)

	current, err := laptop.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Nil(t, current, "sessions are per client")

	_, err = laptop.SignIn(ctx, "sari@example.com", "salah")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	other, err := laptop.SignIn(ctx, "sari@example.com", "tenda123")
	require.NoError(t, err)
	assert.Equal(t, id.ID, other.ID)

	require.NoError(t, laptop.UpdatePassword(ctx, "baru123"))
	_, err = phone.SignIn(ctx, "sari@example.com", "baru123")
	assert.NoError(t, err)

	require.NoError(t, laptop.SignOut(ctx))
	assert.ErrorIs(t, laptop.UpdatePassword(ctx, "x"), ErrUnauthenticated)

	store.Intercept(func(ctx context.Context, op Op, table string) error {
		if op == OpSignIn {
			return errors.New("auth service down")
		}
		return nil
	})
	_, err = phone.SignIn(ctx, "sari@example.com", "baru123")
	assert.ErrorContains(t, err, "auth service down")
}
