package hub_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/maproom/collab/src/hub"
	"github.com/maproom/collab/src/protocol"
	"github.com/maproom/collab/src/session"
	"github.com/rs/zerolog"
)

// mockConn implements hub.Conn for testing without a real WebSocket.
type mockConn struct {
	mu       sync.Mutex
	written  [][]byte
	readCh   chan []byte
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-m.readCh:
		return data, nil
	case <-m.closedCh:
		return nil, &closeError{}
	}
}

func (m *mockConn) WriteMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) getWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([][]byte, len(m.written))
	copy(cp, m.written)
	return cp
}

type closeError struct{}

func (e *closeError) Error() string { return "connection closed" }

// newTestHub creates a hub over a fresh store and starts its event loop.
func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	logger := zerolog.Nop()
	h := hub.New(session.New(logger), logger)
	go h.Run()
	t.Cleanup(func() { h.Stop() })
	return h
}

// registerClient creates, registers, and starts a mock client.
func registerClient(t *testing.T, h *hub.Hub, id string) (*hub.Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := hub.NewClient(id, conn, h)
	h.Register(client)
	go client.WritePump()
	go client.ReadPump()
	// Allow registration to process.
	time.Sleep(20 * time.Millisecond)
	return client, conn
}

func frame(t *testing.T, msgType, roomID, userID string, payload map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type":    msgType,
		"roomId":  roomID,
		"userId":  userID,
		"payload": payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestHubRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)

	_, _ = registerClient(t, h, "client-1")
	_, _ = registerClient(t, h, "client-2")

	if n := h.ClientCount(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}

	c3, _ := registerClient(t, h, "client-3")
	h.Unregister(c3)
	time.Sleep(20 * time.Millisecond)

	if h.ClientInfo("client-3") != nil {
		t.Error("expected client-3 to be unregistered")
	}
	if h.ClientInfo("client-1") == nil {
		t.Error("expected client-1 to remain")
	}
}

func TestJoinFrameUpdatesStoreAndSubscribes(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "c1")

	conn.readCh <- frame(t, "join", "r1", "u1", nil)
	time.Sleep(50 * time.Millisecond)

	room := h.Store().Room("r1")
	if room == nil {
		t.Fatal("expected room r1 in store")
	}
	if _, ok := room.Users["u1"]; !ok {
		t.Error("expected u1 in room")
	}

	channels := h.Channels()
	if channels[hub.RoomChannel("r1")] != 1 {
		t.Errorf("expected 1 subscriber on room channel, got %d", channels[hub.RoomChannel("r1")])
	}

	// The joiner also receives the join broadcast.
	if len(conn.getWritten()) != 1 {
		t.Errorf("expected 1 broadcast frame, got %d", len(conn.getWritten()))
	}
}

func TestLegacyAliasFrameAccepted(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "c1")

	conn.readCh <- frame(t, "join_room", "r1", "u1", nil)
	conn.readCh <- frame(t, "feature_add", "r1", "u1", map[string]any{"id": "f1", "geom": "point"})
	time.Sleep(50 * time.Millisecond)

	room := h.Store().Room("r1")
	if room == nil {
		t.Fatal("expected room r1")
	}
	if room.Features["f1"] == nil {
		t.Error("expected feature f1 from legacy alias")
	}
}

func TestRoomBroadcastReachesSubscribersOnly(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := registerClient(t, h, "c1")
	_, conn2 := registerClient(t, h, "c2")
	_, conn3 := registerClient(t, h, "c3")

	conn1.readCh <- frame(t, "join", "r1", "u1", nil)
	time.Sleep(30 * time.Millisecond)
	conn2.readCh <- frame(t, "join", "r1", "u2", nil)
	time.Sleep(30 * time.Millisecond)
	conn3.readCh <- frame(t, "join", "other", "u3", nil)
	time.Sleep(30 * time.Millisecond)

	before3 := len(conn3.getWritten())
	conn1.readCh <- frame(t, "feature_created", "r1", "u1", map[string]any{"id": "f1"})
	time.Sleep(50 * time.Millisecond)

	// c1 sees both joins plus the feature, c2 its own join plus the
	// feature; c3 sees nothing new.
	if n := len(conn1.getWritten()); n != 3 {
		t.Errorf("expected 3 frames for c1, got %d", n)
	}
	if n := len(conn2.getWritten()); n != 2 {
		t.Errorf("expected 2 frames for c2, got %d", n)
	}
	if n := len(conn3.getWritten()); n != before3 {
		t.Errorf("expected no new frames for c3, got %d", n-before3)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "c1")

	conn.readCh <- []byte(`{"type":"ping"}`)
	time.Sleep(50 * time.Millisecond)

	written := conn.getWritten()
	if len(written) != 1 {
		t.Fatalf("expected 1 pong frame, got %d", len(written))
	}
	msg, err := protocol.Decode(written[0])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != protocol.KindPong {
		t.Errorf("expected pong, got %s", msg.Type)
	}
	if h.Store().UserCount() != 0 {
		t.Error("heartbeats must not touch the store")
	}
}

func TestPingClientsReachesEveryClient(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := registerClient(t, h, "c1")
	_, conn2 := registerClient(t, h, "c2")

	if sent := h.PingClients(); sent != 2 {
		t.Fatalf("expected 2 pings queued, got %d", sent)
	}
	time.Sleep(50 * time.Millisecond)

	for _, conn := range []*mockConn{conn1, conn2} {
		written := conn.getWritten()
		if len(written) != 1 {
			t.Fatalf("expected 1 ping frame, got %d", len(written))
		}
		msg, err := protocol.Decode(written[0])
		if err != nil {
			t.Fatal(err)
		}
		if msg.Kind != protocol.KindPing {
			t.Errorf("expected ping, got %s", msg.Type)
		}
	}
}

func TestLeaveUnsubscribesAndCleansStore(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "c1")

	conn.readCh <- frame(t, "join", "r1", "u1", nil)
	time.Sleep(50 * time.Millisecond)
	conn.readCh <- frame(t, "leave", "r1", "u1", nil)
	time.Sleep(50 * time.Millisecond)

	if h.Store().Room("r1") != nil {
		t.Error("expected empty room deleted")
	}
	if _, ok := h.Channels()[hub.RoomChannel("r1")]; ok {
		t.Error("expected room channel removed")
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "c1")

	conn.readCh <- []byte(`{broken`)
	conn.readCh <- frame(t, "join", "r1", "u1", nil)
	time.Sleep(50 * time.Millisecond)

	if h.Store().Room("r1") == nil {
		t.Error("processing must continue after a malformed frame")
	}
}

func TestSendToClient(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "target")

	msg := protocol.NewMessage(protocol.KindChat, "r1", "server", map[string]any{"text": "hi"})
	if ok := h.SendToClient("target", msg); !ok {
		t.Fatal("send to existing client should succeed")
	}
	time.Sleep(20 * time.Millisecond)

	if len(conn.getWritten()) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(conn.getWritten()))
	}
	if ok := h.SendToClient("nonexistent", msg); ok {
		t.Error("send to nonexistent client should fail")
	}
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t)

	var mu sync.Mutex
	var connectedID, disconnectedID string
	h.OnConnection(func(id string) { mu.Lock(); connectedID = id; mu.Unlock() })
	h.OnDisconnection(func(id string) { mu.Lock(); disconnectedID = id; mu.Unlock() })

	client, _ := registerClient(t, h, "cb-client")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if connectedID != "cb-client" {
		t.Errorf("expected connected callback with cb-client, got %s", connectedID)
	}
	mu.Unlock()

	h.Unregister(client)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if disconnectedID != "cb-client" {
		t.Errorf("expected disconnected callback with cb-client, got %s", disconnectedID)
	}
	mu.Unlock()
}

// recordBridge captures messages published toward other instances.
type recordBridge struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (b *recordBridge) Publish(msg protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordBridge) Available() bool { return true }

func (b *recordBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func TestInboundFramesPublishedToBridge(t *testing.T) {
	h := newTestHub(t)
	bridge := &recordBridge{}
	h.SetBridge(bridge)

	_, conn := registerClient(t, h, "c1")
	conn.readCh <- frame(t, "join", "r1", "u1", nil)
	time.Sleep(50 * time.Millisecond)

	if bridge.count() != 1 {
		t.Errorf("expected 1 bridge publish, got %d", bridge.count())
	}
}

func TestBroadcastToLocalDoesNotRepublish(t *testing.T) {
	h := newTestHub(t)
	bridge := &recordBridge{}
	h.SetBridge(bridge)

	h.BroadcastToLocal(protocol.NewMessage(protocol.KindJoin, "r1", "u1", nil))
	time.Sleep(50 * time.Millisecond)

	if bridge.count() != 0 {
		t.Errorf("bridge-relayed messages must not be re-published, got %d", bridge.count())
	}
	if h.Store().Room("r1") == nil {
		t.Error("expected bridge message applied to local store")
	}
}
