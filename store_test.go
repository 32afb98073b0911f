package rentsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAccessors(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 30, 0, 123000000, time.UTC)

	tests := []struct {
		name string
		rec  Record
		want time.Time
	}{
		{"rfc3339", Record{"t": "2026-04-02T09:30:00.123Z"}, at},
		{"offset", Record{"t": "2026-04-02T16:30:00.123+07:00"}, at},
		{"zone-less", Record{"t": "2026-04-02T09:30:00.123"}, at},
		{"postgres text", Record{"t": "2026-04-02 09:30:00.123"}, at},
		{"epoch millis", Record{"t": float64(at.UnixMilli())}, at},
		{"time value", Record{"t": at.In(time.FixedZone("WIB", 7*3600))}, at},
		{"garbage", Record{"t": "kemarin"}, time.Time{}},
		{"missing", Record{}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(tt.rec.Time("t")), "got %v", tt.rec.Time("t"))
		})
	}

	t.Run("numbers and strings", func(t *testing.T) {
		r := Record{"a": 12.5, "b": int64(3), "c": "7.25", "d": json.Number("9"), "e": nil, "f": 42}
		assert.Equal(t, 12.5, r.Float("a"))
		assert.Equal(t, 3.0, r.Float("b"))
		assert.Equal(t, 7.25, r.Float("c"))
		assert.Equal(t, 9.0, r.Float("d"))
		assert.Zero(t, r.Float("e"))
		assert.Equal(t, "", r.String("e"))
		assert.Equal(t, "42", r.String("f"))
	})

	t.Run("arrays", func(t *testing.T) {
		assert.Equal(t, []string{"u1", "u2"}, Record{"p": []any{"u1", "u2"}}.Strings("p"))
		assert.Equal(t, []string{"u1", "u2"}, Record{"p": "{u1,u2}"}.Strings("p"))
		assert.Nil(t, Record{"p": "{}"}.Strings("p"))

		src := Record{"p": []string{"u1"}}
		cp := src.Clone()
		cp["p"].([]string)[0] = "changed"
		assert.Equal(t, "u1", src.Strings("p")[0])
	})
}

func TestFilters(t *testing.T) {
	chat := Record{"id": "c1", "participants": []any{"u1", "u2"}, "item_id": "i1"}

	assert.True(t, Eq("item_id", "i1").Matches(chat))
	assert.False(t, Eq("item_id", "i2").Matches(chat))
	assert.True(t, Contains("participants", "u2").Matches(chat))
	assert.True(t, Contains("participants", "u2", "u1").Matches(chat))
	assert.False(t, Contains("participants", "u1", "u3").Matches(chat))

	t.Run("query order and limit", func(t *testing.T) {
		rows := []Record{
			{"id": "a", "created_at": "2026-01-02T00:00:00Z"},
			{"id": "b", "created_at": "2026-01-03T00:00:00Z"},
			{"id": "c", "created_at": "2026-01-01T00:00:00Z"},
		}
		q := Query{OrderBy: "created_at", Desc: true}
		q.sortRecords(rows)
		assert.Equal(t, []string{"b", "a", "c"}, []string{rows[0].ID(), rows[1].ID(), rows[2].ID()})
	})
}

func TestSubscribeOptions(t *testing.T) {
	owner := Eq("user_id", "u1")
	opts := SubscribeOptions{Kinds: []ChangeKind{ChangeInsert, ChangeDelete}, Filter: &owner}

	assert.True(t, opts.accepts(ChangeEvent{Kind: ChangeInsert, New: Record{"id": "w1", "user_id": "u1"}}))
	assert.False(t, opts.accepts(ChangeEvent{Kind: ChangeInsert, New: Record{"id": "w2", "user_id": "u2"}}))
	assert.False(t, opts.accepts(ChangeEvent{Kind: ChangeUpdate, New: Record{"id": "w1", "user_id": "u1"}}))
	assert.True(t, opts.accepts(ChangeEvent{Kind: ChangeDelete, Old: Record{"id": "w1"}}), "key-only deletes pass")
	assert.False(t, opts.accepts(ChangeEvent{Kind: ChangeDelete, Old: Record{"id": "w2", "user_id": "u2"}}))
}

func TestChangeEventJSON(t *testing.T) {
	body := `{"type":"DELETE","table":"items","old_record":{"id":"i1"},"commit_timestamp":"2026-03-01T10:00:00Z"}`
	var ev ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	assert.Equal(t, ChangeDelete, ev.Kind)
	assert.Equal(t, "i1", ev.RecordID())
	assert.Equal(t, 2026, ev.CommitTime.Year())
}

func TestRecordConversions(t *testing.T) {
	at := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	it := Item{ID: "i1", Title: "Tenda", Price: 35000, PriceUnit: PerDay, OwnerID: "u1", Status: StatusAvailable, CreatedAt: at}
	assert.True(t, it.Equal(itemFromRecord(itemToRecord(it))))

	legacy := itemFromRecord(Record{"id": "i2", "status": "tidak tersedia", "price": "15000"})
	assert.Equal(t, StatusUnavailable, legacy.Status)
	assert.Equal(t, 15000.0, legacy.Price)

	rec := messageToRecord(Message{ChatID: "c1", SenderID: "u1", Text: "halo"})
	_, hasID := rec["id"]
	_, hasTime := rec["created_at"]
	assert.False(t, hasID)
	assert.False(t, hasTime)

	c := chatFromRecord(Record{"id": "c1", "participants": []any{"u1", "u2"}, "last_updated": "2026-01-10T08:00:00Z"})
	assert.Equal(t, []string{"u1", "u2"}, c.Participants)
	assert.NotNil(t, c.Messages)
	assert.True(t, c.LastUpdated.Equal(at))
}
