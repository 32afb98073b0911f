package rentsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (s *recordingSink) ApplyChange(ev ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.RecordID()
	}
	return out
}

func TestFeedListener(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("items only until an identity is set", func(t *testing.T) {
		store := NewMemoryStore()
		sink := &recordingSink{}
		l := NewFeedListener(store, sink)
		l.Start(context.Background())
		defer l.Stop()

		assert.Equal(t, []string{TableItems}, l.Tables())
		assert.Zero(t, store.Subscribers(TableMessages))

		l.SetIdentity(context.Background(), "u1")
		assert.Equal(t, []string{TableItems, TableWishlist, TableChats, TableMessages}, l.Tables())

		l.SetIdentity(context.Background(), "")
		assert.Equal(t, []string{TableItems}, l.Tables())
		require.Eventually(t, func() bool { return store.Subscribers(TableMessages) == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("duplicate deliveries are applied once", func(t *testing.T) {
		store := NewMemoryStore()
		sink := &recordingSink{}
		l := NewFeedListener(store, sink, WithReplayWindow(8))
		l.Start(context.Background())
		defer l.Stop()

		ev := ChangeEvent{Table: TableItems, Kind: ChangeUpdate, New: Record{"id": "i1", "status": "unavailable"}, CommitTime: at}
		store.Publish(ev)
		store.Publish(ev)
		later := ev
		later.CommitTime = at.Add(time.Second)
		store.Publish(later)
		untimed := ChangeEvent{Table: TableItems, Kind: ChangeDelete, Old: Record{"id": "i2"}}
		store.Publish(untimed)
		store.Publish(untimed)

		require.Eventually(t, func() bool { return len(sink.ids()) == 4 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"i1", "i1", "i2", "i2"}, sink.ids())
	})

	t.Run("identity round trip does not replay", func(t *testing.T) {
		store := NewMemoryStore()
		sink := &recordingSink{}
		l := NewFeedListener(store, sink)
		l.Start(context.Background())
		defer l.Stop()

		ev := ChangeEvent{Table: TableWishlist, Kind: ChangeInsert, New: Record{"id": "w1", "user_id": "u1", "item_id": "i1"}, CommitTime: at}
		l.SetIdentity(context.Background(), "u1")
		store.Publish(ev)
		require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, time.Second, 5*time.Millisecond)

		l.SetIdentity(context.Background(), "u2")
		l.SetIdentity(context.Background(), "u1")
		store.Publish(ev)
		store.Publish(ChangeEvent{Table: TableWishlist, Kind: ChangeInsert, New: Record{"id": "w2", "user_id": "u1", "item_id": "i2"}, CommitTime: at})

		require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"w1", "w2"}, sink.ids())
	})

	t.Run("events of other users are dropped", func(t *testing.T) {
		store := NewMemoryStore()
		sink := &recordingSink{}
		l := NewFeedListener(store, sink)
		l.Start(context.Background())
		l.SetIdentity(context.Background(), "u1")
		defer l.Stop()

		store.Publish(ChangeEvent{Table: TableWishlist, Kind: ChangeInsert, New: Record{"id": "w-other", "user_id": "u2"}})
		store.Publish(ChangeEvent{Table: TableChats, Kind: ChangeInsert, New: Record{"id": "c-other", "participants": []string{"u2", "u3"}}})
		store.Publish(ChangeEvent{Table: TableChats, Kind: ChangeInsert, New: Record{"id": "c-mine", "participants": []string{"u2", "u1"}}})
		store.Publish(ChangeEvent{Table: TableWishlist, Kind: ChangeInsert, New: Record{"id": "w-mine", "user_id": "u1"}})

		require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []string{"c-mine", "w-mine"}, sink.ids())
	})

	t.Run("channel failures surface as feed errors", func(t *testing.T) {
		store := NewMemoryStore()
		l := NewFeedListener(store, &recordingSink{})
		l.Start(context.Background())
		defer l.Stop()

		boom := errors.New("CHANNEL_ERROR")
		store.FailChannel(TableItems, boom)

		select {
		case err := <-l.Errors():
			var fe *FeedError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, TableItems, fe.Table)
			assert.ErrorIs(t, err, boom)
		case <-time.After(time.Second):
			t.Fatal("no feed error")
		}
	})

	t.Run("subscribe failure is reported", func(t *testing.T) {
		store := NewMemoryStore()
		store.Intercept(func(ctx context.Context, op Op, table string) error {
			if op == OpSubscribe {
				return errors.New("realtime disabled")
			}
			return nil
		})
		l := NewFeedListener(store, &recordingSink{})
		l.Start(context.Background())
		defer l.Stop()

		assert.Empty(t, l.Tables())
		select {
		case err := <-l.Errors():
			assert.ErrorContains(t, err, "realtime disabled")
		case <-time.After(time.Second):
			t.Fatal("no feed error")
		}
	})
}

func orphanCount(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orphans)
}

func TestFeedListenerChatScope(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := func(id, chatID, sender string) ChangeEvent {
		return messageEvent(Message{ID: id, ChatID: chatID, SenderID: sender, Text: id, Timestamp: at})
	}

	setup := func(t *testing.T) (*MemoryStore, *Engine, *FeedListener, *clockwork.FakeClock) {
		t.Helper()
		store := NewMemoryStore()
		e := signedInEngine(t, "u1")
		e.LoadChats([]Chat{{ID: "c1", Participants: []string{"u1", "u2"}, ItemID: "i1"}})
		clock := clockwork.NewFakeClock()
		l := NewFeedListener(store, e, WithFeedClock(clock), WithOrphanGrace(5*time.Second))
		l.Start(context.Background())
		l.SetIdentity(context.Background(), "u1")
		t.Cleanup(l.Stop)
		return store, e, l, clock
	}

	t.Run("foreign chat traffic never reaches the engine", func(t *testing.T) {
		store, e, l, clock := setup(t)
		for i := 0; i < 3; i++ {
			store.Publish(msg(fmt.Sprintf("x%d", i), "c-other", "u3"))
		}
		require.Eventually(t, func() bool { return l.Held() == 3 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, orphanCount(e))

		clock.Advance(6 * time.Second)
		store.Publish(msg("m1", "c1", "u2"))
		require.Eventually(t, func() bool {
			c, _ := e.Snapshot().Chat("c1")
			return len(c.Messages) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Zero(t, l.Held(), "expired messages are dropped")
		assert.Zero(t, orphanCount(e))
	})

	t.Run("held message is released when its chat arrives", func(t *testing.T) {
		store, e, l, _ := setup(t)
		store.Publish(msg("m1", "c2", "u2"))
		require.Eventually(t, func() bool { return l.Held() == 1 }, time.Second, 5*time.Millisecond)

		store.Publish(ChangeEvent{Table: TableChats, Kind: ChangeInsert, New: chatToRecord(Chat{ID: "c2", Participants: []string{"u2", "u1"}, ItemID: "i2"})})
		require.Eventually(t, func() bool {
			c, ok := e.Snapshot().Chat("c2")
			return ok && len(c.Messages) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Zero(t, l.Held())
		assert.True(t, e.Snapshot().IsUnread("c2"))
	})

	t.Run("own messages pass before the chat is known", func(t *testing.T) {
		store, e, l, _ := setup(t)
		store.Publish(msg("m1", "c3", "u1"))
		require.Eventually(t, func() bool { return orphanCount(e) == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, l.Held())
	})
}
