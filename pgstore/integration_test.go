//go:build integration

package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinjamaja/rentsync"
	"github.com/pinjamaja/rentsync/pgstore"
)

func connect(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("RENTSYNC_PG_DSN_TEST")
	if dsn == "" {
		t.Skip("RENTSYNC_PG_DSN_TEST not set")
	}
	ctx := context.Background()
	s, err := pgstore.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, pgstore.Migrate(ctx, s.Pool()))
	return s
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestStoreRoundTrip(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	owner := uniqueID("owner")

	row, err := s.Insert(ctx, rentsync.TableItems, rentsync.Record{
		"title": "Kamera mirrorless", "price": 150000.0, "price_unit": "day",
		"owner_id": owner, "status": "available",
	})
	require.NoError(t, err)
	require.NotEmpty(t, row.ID())
	assert.False(t, row.Time("created_at").IsZero())

	updated, err := s.Update(ctx, rentsync.TableItems, row.ID(), rentsync.Record{"status": "rented"})
	require.NoError(t, err)
	assert.Equal(t, "rented", updated.String("status"))

	rows, err := s.Select(ctx, rentsync.TableItems, rentsync.Query{Filters: []rentsync.Filter{rentsync.Eq("owner_id", owner)}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, s.Delete(ctx, rentsync.TableItems, rentsync.Eq("id", row.ID())))
	_, err = s.Update(ctx, rentsync.TableItems, row.ID(), rentsync.Record{"status": "available"})
	assert.ErrorIs(t, err, rentsync.ErrNotFound)
}

func TestChatConversationIsUnique(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	a, b, item := uniqueID("a"), uniqueID("b"), uniqueID("item")

	_, err := s.Insert(ctx, rentsync.TableChats, rentsync.Record{"participants": []string{a, b}, "item_id": item})
	require.NoError(t, err)
	_, err = s.Insert(ctx, rentsync.TableChats, rentsync.Record{"participants": []string{b, a}, "item_id": item})
	assert.ErrorIs(t, err, rentsync.ErrDuplicate)
}

func TestNotifyFeed(t *testing.T) {
	s := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, b := uniqueID("a"), uniqueID("b")

	sub, err := s.Subscribe(ctx, rentsync.TableChats, rentsync.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	row, err := s.Insert(ctx, rentsync.TableChats, rentsync.Record{"participants": []string{a, b}, "item_id": uniqueID("item")})
	require.NoError(t, err)

	for {
		select {
		case ev := <-sub.Events():
			if ev.RecordID() != row.ID() {
				continue
			}
			assert.Equal(t, rentsync.ChangeInsert, ev.Kind)
			assert.Equal(t, []string{a, b}, ev.New.Strings("participants"))
			assert.False(t, ev.CommitTime.IsZero())
			return
		case err := <-sub.Errors():
			t.Fatalf("subscription failed: %v", err)
		case <-ctx.Done():
			t.Fatal("no change event received")
		}
	}
}
