//go:build integration

package docstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinjamaja/rentsync"
	"github.com/pinjamaja/rentsync/docstore"
)

// Runs against the Firestore emulator.
func connect(t *testing.T) *docstore.Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	s, err := docstore.Connect(context.Background(), "rentsync-test", "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestChatUniqueness(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	a, b, item := uniqueID("a"), uniqueID("b"), uniqueID("item")

	first, err := s.Insert(ctx, rentsync.TableChats, rentsync.Record{"participants": []string{a, b}, "item_id": item})
	require.NoError(t, err)
	_, err = s.Insert(ctx, rentsync.TableChats, rentsync.Record{"participants": []string{b, a}, "item_id": item})
	assert.ErrorIs(t, err, rentsync.ErrDuplicate)

	rows, err := s.Select(ctx, rentsync.TableChats, rentsync.Query{
		Filters: []rentsync.Filter{rentsync.Contains("participants", a, b), rentsync.Eq("item_id", item)},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID(), rows[0].ID())
}

func TestSnapshotFeed(t *testing.T) {
	s := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := s.Subscribe(ctx, rentsync.TableMessages, rentsync.SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()
	time.Sleep(500 * time.Millisecond)

	row, err := s.Insert(ctx, rentsync.TableMessages, rentsync.Record{"chat_id": "c1", "sender_id": "u1", "text": "halo"})
	require.NoError(t, err)

	for {
		select {
		case ev := <-sub.Events():
			if ev.RecordID() == row.ID() {
				assert.Equal(t, rentsync.ChangeInsert, ev.Kind)
				assert.Equal(t, "halo", ev.New.String("text"))
				return
			}
		case err := <-sub.Errors():
			t.Fatalf("subscription failed: %v", err)
		case <-ctx.Done():
			t.Fatal("no change event received")
		}
	}
}
