package session

import (
	"testing"

	"github.com/maproom/collab/src/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSubscriptionOrder(t *testing.T) {
	s := newTestStore()

	var order []int
	s.OnRoomUpdated(func(string, *Room) { order = append(order, 1) })
	s.OnRoomUpdated(func(string, *Room) { order = append(order, 2) })
	s.OnRoomUpdated(func(string, *Room) { order = append(order, 3) })

	s.Apply(join("r1", "u1", "alice"))

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBusUnsubscribe(t *testing.T) {
	s := newTestStore()

	var calls int
	unsub := s.OnUserUpdated(func(string, *User) { calls++ })

	s.Apply(join("r1", "u1", "alice"))
	require.Equal(t, 1, calls)

	unsub()
	s.Apply(join("r1", "u2", "bob"))
	assert.Equal(t, 1, calls, "no calls after unsubscribe")
}

func TestBusPanicIsolation(t *testing.T) {
	s := newTestStore()

	var after int
	s.OnRoomUpdated(func(string, *Room) { panic("boom") })
	s.OnRoomUpdated(func(string, *Room) { after++ })

	// Must not panic, and the second subscriber still runs.
	s.Apply(join("r1", "u1", "alice"))
	assert.Equal(t, 1, after)

	// Dispatch of subsequent messages is unaffected.
	s.Apply(join("r1", "u2", "bob"))
	assert.Equal(t, 2, after)
}

func TestBusMessageObserverSeesPreDispatch(t *testing.T) {
	s := newTestStore()

	var kinds []protocol.Kind
	s.OnMessage(func(msg protocol.Message) { kinds = append(kinds, msg.Kind) })

	s.Apply(join("r1", "u1", "alice"))
	s.Apply(protocol.NewMessage(protocol.KindChat, "r1", "u1", map[string]any{"text": "hi"}))
	s.Apply(leave("r1", "u1"))

	assert.Equal(t, []protocol.Kind{protocol.KindJoin, protocol.KindChat, protocol.KindLeave}, kinds)
}

func TestBusRoomSnapshotDelivered(t *testing.T) {
	s := newTestStore()

	var got *Room
	s.OnRoomUpdated(func(_ string, room *Room) { got = room })

	s.Apply(protocol.NewMessage(protocol.KindFeatureCreated, "r1", "u1",
		map[string]any{"id": "f1"}))

	require.NotNil(t, got)
	assert.Contains(t, got.Features, "f1")
}
