package ledger

import (
	"errors"
	"testing"
	"time"
	"tracktrace/internal/event"
	"tracktrace/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)

func appendEvent(e types.StationEvent) func(h *types.WorkpieceHistory) error {
	return func(h *types.WorkpieceHistory) error {
		h.Events = append(h.Events, e)
		return nil
	}
}

func TestLedger_UpsertReplacesByCopy(t *testing.T) {
	l := New(nil)

	before, err := l.Upsert("live", "wp-1", appendEvent(types.StationEvent{Timestamp: t0, EventType: types.EventTransport}))
	require.NoError(t, err)

	after, err := l.Upsert("live", "wp-1", appendEvent(types.StationEvent{Timestamp: t0.Add(time.Second), EventType: types.EventDock}))
	require.NoError(t, err)

	old, _ := before.Get("wp-1")
	cur, _ := after.Get("wp-1")
	assert.Len(t, old.Events, 1, "旧快照不应被修改")
	assert.Len(t, cur.Events, 2)
	assert.Equal(t, before.Version+1, after.Version)
	assert.Same(t, after, l.Snapshot("live"))

	// 读者拿到的是副本
	cur.Events[0].EventType = types.EventPick
	again, _ := l.Snapshot("live").Get("wp-1")
	assert.Equal(t, types.EventTransport, again.Events[0].EventType)
}

func TestLedger_SortsAfterEveryMutation(t *testing.T) {
	l := New(nil)
	events := []types.StationEvent{
		{Timestamp: t0.Add(time.Second), SubOrderID: "A", ActionID: "1"},
		{Timestamp: t0, SubOrderID: "B", ActionID: "1"},
		{Timestamp: t0, SubOrderID: "A", ActionID: "2"},
		{Timestamp: t0, SubOrderID: "A", ActionID: "1"},
	}
	for _, e := range events {
		_, err := l.Upsert("live", "wp-1", appendEvent(e))
		require.NoError(t, err)
	}

	h, ok := l.Snapshot("live").Get("wp-1")
	require.True(t, ok)
	for i := 1; i < len(h.Events); i++ {
		assert.False(t, types.EventLess(h.Events[i], h.Events[i-1]), "事件 %d 顺序错误", i)
	}
	assert.Equal(t, "A", h.Events[0].SubOrderID)
	assert.Equal(t, "1", h.Events[0].ActionID)
	assert.Equal(t, "B", h.Events[2].SubOrderID)
}

func TestLedger_FailedMutationLeavesSnapshot(t *testing.T) {
	bus := event.NewBus()
	published := 0
	bus.Subscribe(event.HistoryUpdated, func(e event.Event) { published++ })
	l := New(bus)

	_, err := l.Upsert("live", "wp-1", appendEvent(types.StationEvent{Timestamp: t0}))
	require.NoError(t, err)
	version := l.Snapshot("live").Version

	boom := errors.New("boom")
	_, err = l.Upsert("live", "wp-1", func(h *types.WorkpieceHistory) error {
		h.Events = append(h.Events, types.StationEvent{Timestamp: t0.Add(time.Second)})
		h.CurrentLocation = "half-written"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := l.Upsert("live", "wp-1", func(h *types.WorkpieceHistory) error { return ErrNoChange })
	require.NoError(t, err)
	assert.Equal(t, version, snap.Version, "ErrNoChange 不产生新版本")

	_, err = l.Upsert("live", "wp-1", func(h *types.WorkpieceHistory) error {
		h.Events = h.Events[:0]
		return nil
	})
	assert.ErrorIs(t, err, ErrEventsRemoved)

	h, _ := l.Snapshot("live").Get("wp-1")
	assert.Len(t, h.Events, 1)
	assert.Empty(t, h.CurrentLocation)
	assert.Equal(t, 1, published)

	_, err = l.Upsert("live", "", appendEvent(types.StationEvent{}))
	assert.Error(t, err)
}

func TestLedger_ClearIsEnvironmentScoped(t *testing.T) {
	l := New(nil)
	_, err := l.Upsert("live", "wp-1", appendEvent(types.StationEvent{Timestamp: t0}))
	require.NoError(t, err)
	_, err = l.Upsert("mock", "wp-1", appendEvent(types.StationEvent{Timestamp: t0}))
	require.NoError(t, err)

	l.Clear("live")

	assert.Equal(t, 0, l.Snapshot("live").Len())
	assert.Empty(t, l.Snapshot("live").Map())
	assert.Equal(t, 1, l.Snapshot("mock").Len(), "其他环境不受影响")

	l.Clear("never-used")
	assert.Equal(t, 0, l.Snapshot("never-used").Len())
}

func TestLedger_OrderIndex(t *testing.T) {
	l := New(nil)
	_, err := l.Upsert("live", "wp-1", appendEvent(types.StationEvent{Timestamp: t0, OrderID: "O1", OrderUpdateID: 1}))
	require.NoError(t, err)
	_, err = l.Upsert("live", "wp-2", appendEvent(types.StationEvent{Timestamp: t0, OrderID: "O1", OrderUpdateID: 2}))
	require.NoError(t, err)
	_, err = l.Upsert("live", "wp-3", appendEvent(types.StationEvent{Timestamp: t0, OrderID: "O2", OrderUpdateID: 1}))
	require.NoError(t, err)

	snap := l.Snapshot("live")
	assert.Equal(t, []string{"wp-1"}, snap.LookupOrder("O1", 1))
	assert.Equal(t, []string{"wp-2"}, snap.LookupOrder("O1", 2))
	assert.Nil(t, snap.LookupOrder("O3", 1))
	assert.Equal(t, []string{"wp-1", "wp-2", "wp-3"}, snap.IDs())

	var seen []string
	snap.Range(func(h *types.WorkpieceHistory) bool {
		seen = append(seen, h.WorkpieceID)
		return len(seen) < 2
	})
	assert.Equal(t, []string{"wp-1", "wp-2"}, seen)
}

func TestLedger_UpsertAllIsAllOrNothing(t *testing.T) {
	bus := event.NewBus()
	var updated []string
	bus.Subscribe(event.HistoryUpdated, func(e event.Event) { updated = append(updated, e.WorkpieceID) })
	l := New(bus)

	_, err := l.Upsert("live", "wp-1", appendEvent(types.StationEvent{Timestamp: t0}))
	require.NoError(t, err)
	version := l.Snapshot("live").Version
	updated = nil

	boom := errors.New("boom")
	_, err = l.UpsertAll("live", []string{"wp-1", "wp-2"}, func(h *types.WorkpieceHistory) error {
		if h.WorkpieceID == "wp-2" {
			return boom
		}
		h.Events = append(h.Events, types.StationEvent{Timestamp: t0.Add(time.Second)})
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, version, l.Snapshot("live").Version)
	h, _ := l.Snapshot("live").Get("wp-1")
	assert.Len(t, h.Events, 1, "前一个工件的修改同样被丢弃")
	assert.Empty(t, updated)

	snap, err := l.UpsertAll("live", []string{"wp-1", "wp-2", "wp-1"}, appendEvent(types.StationEvent{Timestamp: t0.Add(2 * time.Second)}))
	require.NoError(t, err)
	assert.Equal(t, version+1, snap.Version, "一次提交只产生一个版本")
	h, _ = snap.Get("wp-1")
	assert.Len(t, h.Events, 3)
	assert.Equal(t, []string{"wp-1", "wp-2"}, snap.IDs())
	assert.Equal(t, []string{"wp-1", "wp-2"}, updated)
}
