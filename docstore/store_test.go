package docstore

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pinjamaja/rentsync"
)

func TestDocID(t *testing.T) {
	t.Run("explicit id wins", func(t *testing.T) {
		assert.Equal(t, "m1", docID(rentsync.TableMessages, rentsync.Record{"id": "m1"}))
	})

	t.Run("chat key ignores participant order", func(t *testing.T) {
		a := docID(rentsync.TableChats, rentsync.Record{"participants": []string{"u1", "u2"}, "item_id": "i1"})
		b := docID(rentsync.TableChats, rentsync.Record{"participants": []any{"u2", "u1"}, "item_id": "i1"})
		c := docID(rentsync.TableChats, rentsync.Record{"participants": []string{"u1", "u2"}, "item_id": "i2"})
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("wishlist pair is stable", func(t *testing.T) {
		rec := rentsync.Record{"user_id": "u1", "item_id": "i1"}
		assert.Equal(t, docID(rentsync.TableWishlist, rec), docID(rentsync.TableWishlist, rec.Clone()))
	})

	t.Run("other tables get random ids", func(t *testing.T) {
		rec := rentsync.Record{"title": "x"}
		assert.NotEqual(t, docID(rentsync.TableItems, rec), docID(rentsync.TableItems, rec))
	})
}

func TestDocumentConversion(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	data := toData(rentsync.Record{"id": "c1", "last_updated": ts.Format(time.RFC3339Nano), "item_id": "i1"})
	assert.NotContains(t, data, "id")
	assert.Equal(t, ts, data["last_updated"])

	rec := fromDoc("c1", map[string]any{
		"participants": []any{"u1", "u2"},
		"last_updated": ts,
		"price":        int64(50000),
	})
	assert.Equal(t, "c1", rec.ID())
	assert.Equal(t, []string{"u1", "u2"}, rec.Strings("participants"))
	assert.True(t, rec.Time("last_updated").Equal(ts))
	assert.Equal(t, 50000.0, rec.Float("price"))
}

func TestMapError(t *testing.T) {
	cases := []struct {
		code codes.Code
		want error
	}{
		{codes.NotFound, rentsync.ErrNotFound},
		{codes.AlreadyExists, rentsync.ErrDuplicate},
		{codes.PermissionDenied, rentsync.ErrUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := mapError("Insert", "chats", status.Error(tc.code, "rpc"))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	err := mapError("Select", "items", errors.New("boom"))
	for _, sentinel := range []error{rentsync.ErrNotFound, rentsync.ErrDuplicate, rentsync.ErrUnauthenticated} {
		assert.NotErrorIs(t, err, sentinel)
	}
}

func TestChangeEvents(t *testing.T) {
	read := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	update := read.Add(-time.Second)
	client := &firestore.Client{}
	ref := func(id string) *firestore.DocumentRef { return client.Collection("messages").Doc(id) }

	changes := []firestore.DocumentChange{
		{Kind: firestore.DocumentAdded, Doc: &firestore.DocumentSnapshot{Ref: ref("m1"), UpdateTime: update}},
		{Kind: firestore.DocumentModified, Doc: &firestore.DocumentSnapshot{Ref: ref("m2")}},
		{Kind: firestore.DocumentRemoved, Doc: &firestore.DocumentSnapshot{Ref: ref("m3"), UpdateTime: update}},
	}

	evs := changeEvents("messages", changes, read)
	require.Len(t, evs, 3)

	assert.Equal(t, rentsync.ChangeInsert, evs[0].Kind)
	assert.Equal(t, "m1", evs[0].RecordID())
	assert.Equal(t, update, evs[0].CommitTime)

	assert.Equal(t, rentsync.ChangeUpdate, evs[1].Kind)
	assert.Equal(t, read, evs[1].CommitTime)

	assert.Equal(t, rentsync.ChangeDelete, evs[2].Kind)
	assert.Equal(t, "m3", evs[2].RecordID())
	assert.Empty(t, evs[2].New)
	assert.Equal(t, read, evs[2].CommitTime)
}
