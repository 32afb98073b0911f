package rentsync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("register twice fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics("rentsync")
		require.NoError(t, m.Register(reg))
		assert.Error(t, m.Register(reg))
	})

	t.Run("nil metrics record nothing", func(t *testing.T) {
		var m *Metrics
		m.event(TableItems, ChangeInsert, true)
		m.poll(nil)
		m.unread(3)
	})

	t.Run("engine counters", func(t *testing.T) {
		m := NewMetrics("rentsync")
		e := NewEngine(WithEngineMetrics(m))
		e.SetIdentity(&Identity{ID: "u1"})
		e.LoadItems(makeItems(2))
		e.LoadChats([]Chat{{ID: "c1", Participants: []string{"u1", "u2"}, ItemID: "item-00"}})

		fresh := Item{ID: "item-new", Title: "Kompor", Price: 20000, PriceUnit: PerDay, Status: StatusAvailable}
		e.ApplyChange(itemEvent(ChangeInsert, fresh))
		e.ApplyChange(itemEvent(ChangeInsert, fresh))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues(TableItems, string(ChangeInsert))))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIgnored.WithLabelValues(TableItems, string(ChangeInsert))))

		token, _, ok := e.BeginStatusToggle("item-00")
		require.True(t, ok)
		require.True(t, e.RevertEdit(token, "item-00"))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Reverts))

		e.ApplyChange(messageEvent(Message{ID: "m1", ChatID: "c1", SenderID: "u2", Text: "halo", Timestamp: time.Now()}))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Unread))
		e.OpenChat("c1")
		assert.Equal(t, 0.0, testutil.ToFloat64(m.Unread))
	})
}
