package rentsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marketFixtures = `
users:
  - email: sari@example.com
    password: tenda123
    username: sari
  - email: budi@example.com
    password: kamera123
    username: budi
tables:
  items:
    - id: item-tenda
      title: Tenda dome
      price: 35000
      price_unit: day
      owner_id: "@sari@example.com"
      owner_name: sari
      status: available
      created_at: 2026-01-10T08:00:00Z
    - id: item-kamera
      title: Kamera mirrorless
      price: 150000
      price_unit: day
      owner_id: "@budi@example.com"
      owner_name: budi
      status: available
      created_at: 2026-01-12T09:30:00Z
`

func newMarket(t *testing.T) (*MemoryStore, map[string]string) {
	t.Helper()
	store := NewMemoryStore()
	fx, err := ParseFixtures([]byte(marketFixtures))
	require.NoError(t, err)
	ids, err := fx.Apply(context.Background(), store)
	require.NoError(t, err)
	return store, ids
}

func startSession(t *testing.T, backend Backend, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithPollInterval(time.Hour)}, opts...)
	s := NewSession(backend, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("session never became ready")
	}
	return s
}

func signIn(t *testing.T, s *Session, email, password string) {
	t.Helper()
	out := s.SignIn(context.Background(), email, password)
	require.True(t, out.OK, "sign in: %v", out.Err())
}

func TestSessionCachedItems(t *testing.T) {
	t.Run("fresh cache is shown until the fetch lands", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		backend := NewMemoryCacheBackend(0)
		NewSnapshotCache[Item](backend, WithCacheClock(clock)).Put(DefaultItemsCacheKey, makeItems(2), DefaultCacheEntries)
		clock.Advance(4 * time.Minute)

		store := NewMemoryStore()
		for _, it := range makeItems(6) {
			store.Seed(TableItems, itemToRecord(it))
		}
		release := make(chan struct{})
		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpSelect && table == TableItems {
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})

		s := NewSession(store.Client(), WithClock(clock), WithCacheBackend(backend))
		require.NoError(t, s.Start(context.Background()))
		defer s.Close()

		snap := s.Snapshot()
		assert.Len(t, snap.Items, 2)
		assert.Equal(t, Loading, snap.States[CollectionItems])

		close(release)
		<-s.Ready()
		snap = s.Snapshot()
		assert.Len(t, snap.Items, 6)
		assert.Equal(t, Synced, snap.States[CollectionItems])

		require.Eventually(t, func() bool {
			cached, ok := NewSnapshotCache[Item](backend, WithCacheClock(clock)).Get(DefaultItemsCacheKey, time.Minute)
			return ok && len(cached) == 6
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("stale cache is ignored", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		backend := NewMemoryCacheBackend(0)
		NewSnapshotCache[Item](backend, WithCacheClock(clock)).Put(DefaultItemsCacheKey, makeItems(2), DefaultCacheEntries)
		clock.Advance(6 * time.Minute)

		store := NewMemoryStore()
		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpSelect {
				return errors.New("offline")
			}
			return nil
		})
		s := NewSession(store.Client(), WithClock(clock), WithCacheBackend(backend))
		require.NoError(t, s.Start(context.Background()))
		defer s.Close()

		snap := s.Snapshot()
		assert.Empty(t, snap.Items)
		assert.Equal(t, Loading, snap.States[CollectionItems])
		<-s.Ready()
		assert.Empty(t, s.Snapshot().Items)
	})

	t.Run("start twice", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())
		assert.Error(t, s.Start(context.Background()))
	})
}

func TestSessionStartOrResumeChat(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent starts share one chat", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())
		signIn(t, s, "budi@example.com", "kamera123")

		var wg sync.WaitGroup
		results := make([]Result[Chat], 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.StartOrResumeChat(ctx, "item-tenda")
			}(i)
		}
		wg.Wait()

		require.True(t, results[0].OK, "%v", results[0].Err())
		require.True(t, results[1].OK, "%v", results[1].Err())
		assert.Equal(t, results[0].Value.ID, results[1].Value.ID)
		assert.Len(t, store.Rows(TableChats), 1)
		assert.Len(t, s.Snapshot().Chats, 1)
		assert.Equal(t, "Tenda dome - sari", s.ChatDisplayName(results[0].Value))
	})

	t.Run("two devices resolve to the same chat", func(t *testing.T) {
		store, _ := newMarket(t)
		phone := startSession(t, store.Client())
		laptop := startSession(t, store.Client())
		signIn(t, phone, "budi@example.com", "kamera123")
		signIn(t, laptop, "budi@example.com", "kamera123")

		var arrived atomic.Int32
		gate := make(chan struct{})
		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpSelect && table == TableChats {
				if arrived.Add(1) == 2 {
					close(gate)
				}
				select {
				case <-gate:
				case <-time.After(2 * time.Second):
				}
			}
			return nil
		})

		var wg sync.WaitGroup
		var a, b Result[Chat]
		wg.Add(2)
		go func() { defer wg.Done(); a = phone.StartOrResumeChat(ctx, "item-tenda") }()
		go func() { defer wg.Done(); b = laptop.StartOrResumeChat(ctx, "item-tenda") }()
		wg.Wait()

		require.True(t, a.OK, "%v", a.Err())
		require.True(t, b.OK, "%v", b.Err())
		assert.Equal(t, a.Value.ID, b.Value.ID)
		assert.Len(t, store.Rows(TableChats), 1)
	})

	t.Run("own item and unknown item", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())

		res := s.StartOrResumeChat(ctx, "item-tenda")
		require.False(t, res.OK)
		assert.Equal(t, CodeUnauthenticated, res.Error.Code)

		signIn(t, s, "sari@example.com", "tenda123")
		res = s.StartOrResumeChat(ctx, "item-tenda")
		require.False(t, res.OK)
		assert.Equal(t, CodeValidation, res.Error.Code)

		res = s.StartOrResumeChat(ctx, "item-nope")
		require.False(t, res.OK)
		assert.Equal(t, CodeNotFound, res.Error.Code)
	})
}

func TestSessionSendMessage(t *testing.T) {
	ctx := context.Background()
	store, _ := newMarket(t)
	owner := startSession(t, store.Client())
	renter := startSession(t, store.Client())
	signIn(t, owner, "sari@example.com", "tenda123")
	signIn(t, renter, "budi@example.com", "kamera123")

	chat := renter.StartOrResumeChat(ctx, "item-tenda")
	require.True(t, chat.OK, "%v", chat.Err())

	t.Run("blank text never reaches the store", func(t *testing.T) {
		var calls atomic.Int32
		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpInsert || op == OpUpdate {
				calls.Add(1)
			}
			return nil
		})
		defer store.Intercept(nil)

		out := renter.SendMessage(ctx, chat.Value.ID, "  \t\n ")
		require.False(t, out.OK)
		assert.Equal(t, CodeValidation, out.Error.Code)
		assert.Zero(t, calls.Load())
	})

	t.Run("message reaches the other participant", func(t *testing.T) {
		got := make(chan NewRemoteMessage, 1)
		owner.Engine().OnNewRemoteMessage(func(m NewRemoteMessage) {
			select {
			case got <- m:
			default:
			}
		})

		out := renter.SendMessage(ctx, chat.Value.ID, "  masih kosong sabtu?  ")
		require.True(t, out.OK, "%v", out.Err())

		select {
		case m := <-got:
			assert.Equal(t, "masih kosong sabtu?", m.Text)
			assert.Equal(t, "budi", m.SenderName)
		case <-time.After(3 * time.Second):
			t.Fatal("owner never received the message")
		}
		assert.True(t, owner.Snapshot().IsUnread(chat.Value.ID))
		assert.False(t, renter.Snapshot().IsUnread(chat.Value.ID))

		msgs := renter.Engine().DisplayMessages(chat.Value.ID)
		require.Len(t, msgs, 1)
		c, _ := renter.Snapshot().Chat(chat.Value.ID)
		assert.Equal(t, "masih kosong sabtu?", c.LastMessage)

		require.True(t, owner.OpenChat(chat.Value.ID).OK)
		assert.False(t, owner.Snapshot().IsUnread(chat.Value.ID))
	})

	t.Run("unknown chat", func(t *testing.T) {
		out := renter.SendMessage(ctx, "chat-nope", "halo")
		require.False(t, out.OK)
		assert.Equal(t, CodeNotFound, out.Error.Code)
	})
}

func TestSessionItemIntents(t *testing.T) {
	ctx := context.Background()

	t.Run("toggle propagates to other clients", func(t *testing.T) {
		store, _ := newMarket(t)
		owner := startSession(t, store.Client())
		renter := startSession(t, store.Client())
		signIn(t, owner, "sari@example.com", "tenda123")

		require.True(t, owner.ToggleItemStatus(ctx, "item-tenda").OK)
		it, _ := owner.Snapshot().Item("item-tenda")
		assert.Equal(t, StatusUnavailable, it.Status)

		require.Eventually(t, func() bool {
			it, ok := renter.Snapshot().Item("item-tenda")
			return ok && it.Status == StatusUnavailable
		}, 3*time.Second, 10*time.Millisecond)
	})

	t.Run("failed write reverts", func(t *testing.T) {
		store, _ := newMarket(t)
		owner := startSession(t, store.Client())
		signIn(t, owner, "sari@example.com", "tenda123")
		before, _ := owner.Snapshot().Item("item-tenda")

		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpUpdate {
				return errors.New("connection reset")
			}
			return nil
		})
		out := owner.ToggleItemStatus(ctx, "item-tenda")
		require.False(t, out.OK)
		assert.Equal(t, CodeStore, out.Error.Code)

		after, _ := owner.Snapshot().Item("item-tenda")
		assert.Equal(t, before, after)

		out = owner.EditItem(ctx, "item-tenda", ItemInput{Title: "Tenda baru", Description: "4 orang", Price: 40000, PriceUnit: PerDay, Location: "Bandung"})
		require.False(t, out.OK)
		after, _ = owner.Snapshot().Item("item-tenda")
		assert.Equal(t, before, after)
	})

	t.Run("only the owner edits", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())
		signIn(t, s, "budi@example.com", "kamera123")

		out := s.ToggleItemStatus(ctx, "item-tenda")
		require.False(t, out.OK)
		assert.Equal(t, CodeValidation, out.Error.Code)
		out = s.DeleteItem(ctx, "item-tenda")
		require.False(t, out.OK)
	})

	t.Run("create and delete", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())
		signIn(t, s, "budi@example.com", "kamera123")

		out := s.CreateItem(ctx, ItemInput{Title: "Proyektor", Description: "1080p", Price: 75000, PriceUnit: PerDay, Location: "Depok"})
		require.True(t, out.OK, "%v", out.Err())
		snap := s.Snapshot()
		require.Len(t, snap.Items, 3)
		created := snap.Items[0]
		assert.Equal(t, "Proyektor", created.Title)
		assert.Equal(t, "budi", created.OwnerName)
		assert.Equal(t, StatusAvailable, created.Status)

		require.True(t, s.DeleteItem(ctx, created.ID).OK)
		_, ok := s.Snapshot().Item(created.ID)
		assert.False(t, ok)

		out = s.CreateItem(ctx, ItemInput{Title: "", Price: 1, PriceUnit: PerDay})
		assert.False(t, out.OK)
	})
}

func TestSessionWishlist(t *testing.T) {
	ctx := context.Background()
	store, ids := newMarket(t)
	s := startSession(t, store.Client())
	signIn(t, s, "budi@example.com", "kamera123")

	require.True(t, s.AddToWishlist(ctx, "item-tenda").OK)
	assert.True(t, s.Snapshot().InWishlist(ids["budi@example.com"], "item-tenda"))

	out := s.AddToWishlist(ctx, "item-tenda")
	require.False(t, out.OK)
	assert.Len(t, store.Rows(TableWishlist), 1)

	require.True(t, s.RemoveFromWishlist(ctx, "item-tenda").OK)
	assert.False(t, s.Snapshot().InWishlist(ids["budi@example.com"], "item-tenda"))
	assert.Empty(t, store.Rows(TableWishlist))
}

func TestSessionAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("sign up validation", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())

		out := s.SignUp(ctx, "dewi@example.com", "rahasia", "rahasiA", "dewi")
		assert.Equal(t, CodeValidation, out.Error.Code)
		out = s.SignUp(ctx, "dewi@example.com", "12345", "12345", "dewi")
		assert.Equal(t, CodeValidation, out.Error.Code)
		out = s.SignUp(ctx, "dewi@example.com", "rahasia", "rahasia", "   ")
		assert.Equal(t, CodeValidation, out.Error.Code)

		out = s.SignUp(ctx, "dewi@example.com", "rahasia", "rahasia", "dewi")
		require.True(t, out.OK, "%v", out.Err())
		id := s.Identity()
		require.NotNil(t, id)
		assert.Equal(t, "dewi", id.Username)
		assert.Len(t, store.Rows(TableUsers), 3)

		out = s.SignUp(ctx, "dewi@example.com", "rahasia", "rahasia", "dewi2")
		require.False(t, out.OK)
		assert.Equal(t, CodeConflict, out.Error.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())
		out := s.SignIn(ctx, "sari@example.com", "salah")
		require.False(t, out.OK)
		assert.Equal(t, CodeUnauthenticated, out.Error.Code)
		assert.Nil(t, s.Identity())
	})

	t.Run("change password", func(t *testing.T) {
		store, _ := newMarket(t)
		s := startSession(t, store.Client())
		signIn(t, s, "sari@example.com", "tenda123")

		out := s.ChangePassword(ctx, "salah", "baru123", "baru123")
		require.False(t, out.OK)
		assert.Equal(t, CodeUnauthenticated, out.Error.Code)

		require.True(t, s.ChangePassword(ctx, "tenda123", "baru123", "baru123").OK)
		require.True(t, s.SignOut(ctx).OK)
		signIn(t, s, "sari@example.com", "baru123")
	})

	t.Run("sign out drops user data and the cache", func(t *testing.T) {
		store, _ := newMarket(t)
		backend := NewMemoryCacheBackend(0)
		s := startSession(t, store.Client(), WithCacheBackend(backend))
		signIn(t, s, "budi@example.com", "kamera123")
		require.True(t, s.AddToWishlist(ctx, "item-tenda").OK)
		require.Eventually(t, func() bool { return backend.Len() > 0 }, 2*time.Second, 10*time.Millisecond)

		require.True(t, s.SignOut(ctx).OK)
		snap := s.Snapshot()
		assert.Nil(t, snap.Identity)
		assert.Empty(t, snap.Wishlist)
		assert.Empty(t, snap.Chats)
		assert.Len(t, snap.Items, 2)
		assert.Zero(t, backend.Len())
	})

	t.Run("rename", func(t *testing.T) {
		store, ids := newMarket(t)
		s := startSession(t, store.Client())
		signIn(t, s, "sari@example.com", "tenda123")
		assert.Equal(t, "sari", s.Identity().Username)

		require.True(t, s.UpdateUsername(ctx, "sari_k").OK)
		assert.Equal(t, "sari_k", s.Identity().Username)
		name, ok := s.Names().Cached(ids["sari@example.com"])
		assert.True(t, ok)
		assert.Equal(t, "sari_k", name)
	})
}
