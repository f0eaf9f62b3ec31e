package hub

import (
	"sync"

	"github.com/maproom/collab/src/protocol"
	"github.com/maproom/collab/src/session"
	"github.com/rs/zerolog"
)

// MessageBridge publishes messages to other server instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(msg protocol.Message) error
	Available() bool
}

// Hub fans WebSocket traffic in and out of the shared session store. All
// inbound messages are applied on the single event-loop goroutine, so
// store dispatch is run-to-completion per message with no interleaving.
type Hub struct {
	clients  map[string]*Client
	channels map[string]map[string]bool // channel -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan inboundFrame
	broadcast  chan protocol.Message
	localCast  chan protocol.Message // messages from bridge, no re-publish

	onConnect []func(string)
	onDisconn []func(string)

	store  *session.Store
	bridge MessageBridge
	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
}

type inboundFrame struct {
	clientID string
	data     []byte
}

// New creates a hub bound to a session store.
func New(store *session.Store, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		channels:   make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inboundFrame, 256),
		broadcast:  make(chan protocol.Message, 256),
		localCast:  make(chan protocol.Message, 256),
		store:      store,
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// Store returns the session store this hub feeds.
func (h *Hub) Store() *session.Store { return h.store }

// SetBridge attaches a cross-instance message bridge to the hub.
// When set, room messages are also forwarded to other instances.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// BroadcastToLocal delivers a message from the bridge to this instance
// only. It is applied to the local store and fanned out to local
// subscribers without re-publishing, preventing relay loops.
func (h *Hub) BroadcastToLocal(msg protocol.Message) {
	h.localCast <- msg
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case frame := <-h.incoming:
			h.handleFrame(frame)
		case msg := <-h.broadcast:
			h.publishToBridge(msg)
			h.store.Apply(msg)
			h.fanOut(msg)
		case msg := <-h.localCast:
			h.store.Apply(msg)
			h.fanOut(msg)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop.
func (h *Hub) Stop() {
	close(h.done)
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// handleFrame decodes one wire frame and routes it. Heartbeats are
// answered directly and never reach the store; everything else goes
// through the store and out to room subscribers.
func (h *Hub) handleFrame(frame inboundFrame) {
	msg, err := protocol.Decode(frame.data)
	if err != nil {
		h.logger.Debug().Err(err).Str("client_id", frame.clientID).Msg("dropped malformed frame")
		return
	}

	if msg.Kind.IsHeartbeat() {
		if msg.Kind == protocol.KindPing {
			h.sendToClient(frame.clientID, protocol.NewMessage(protocol.KindPong, "", "", nil))
		}
		return
	}

	// Joining a room subscribes the connection to that room's channel,
	// leaving unsubscribes it.
	switch msg.Kind {
	case protocol.KindJoin:
		if msg.RoomID != "" {
			h.Subscribe(RoomChannel(msg.RoomID), frame.clientID)
		}
	case protocol.KindLeave:
		if msg.RoomID != "" {
			h.Unsubscribe(RoomChannel(msg.RoomID), frame.clientID)
		}
	}

	h.publishToBridge(msg)
	h.store.Apply(msg)
	h.fanOut(msg)
}

// RoomChannel names the broadcast channel for a room.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// fanOut delivers a message to every subscriber of its room channel.
func (h *Hub) fanOut(msg protocol.Message) {
	if msg.RoomID == "" {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("encode failed")
		return
	}

	channel := RoomChannel(msg.RoomID)
	h.mu.RLock()
	subs, ok := h.channels[channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy subscriber IDs to avoid holding lock during sends.
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.mu.RLock()
		client, exists := h.clients[id]
		h.mu.RUnlock()
		if !exists {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", id).Msg("send buffer full, dropping")
		}
	}
}

// Publish queues a server-originated message for application and fan-out.
func (h *Hub) Publish(msg protocol.Message) {
	h.broadcast <- msg
}

func (h *Hub) publishToBridge(msg protocol.Message) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(msg); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

func (h *Hub) sendToClient(clientID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Subscribe adds a client to a channel.
func (h *Hub) Subscribe(channel, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		return false
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][clientID] = true
	h.clients[clientID].AddChannel(channel)
	return true
}

// Unsubscribe removes a client from a channel.
func (h *Hub) Unsubscribe(channel, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		return false
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	if c, ok := h.clients[clientID]; ok {
		c.RemoveChannel(channel)
	}
	return true
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Msg("client registered")

	for _, cb := range h.onConnect {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	// Remove from all channel subscriptions.
	for ch, subs := range h.channels {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range h.onDisconn {
		cb(c.ID)
	}
}
