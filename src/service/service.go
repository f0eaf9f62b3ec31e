// Package service is the high-level API over the session hub and store:
// what an embedding server (HTTP handlers, admin tooling) talks to instead
// of reaching into the hub internals.
package service

import (
	"fmt"
	"time"

	"github.com/maproom/collab/src/hub"
	"github.com/maproom/collab/src/protocol"
	"github.com/maproom/collab/src/session"
	"github.com/rs/zerolog"
)

// Service provides the collaborative session API.
type Service struct {
	hub    *hub.Hub
	store  *session.Store
	logger zerolog.Logger
}

// New creates a session service backed by the given hub.
func New(h *hub.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, store: h.Store(), logger: logger}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Store returns the underlying session store.
func (s *Service) Store() *session.Store { return s.store }

// Publish applies a server-originated message and fans it out to the
// message's room.
func (s *Service) Publish(kind protocol.Kind, roomID, userID string, payload map[string]any) {
	s.hub.Publish(protocol.NewMessage(kind, roomID, userID, payload))
}

// Subscribe adds a client connection to a channel.
func (s *Service) Subscribe(channel, clientID string) error {
	if ok := s.hub.Subscribe(channel, clientID); !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("channel", channel).
		Msg("subscribed")
	return nil
}

// Unsubscribe removes a client connection from a channel.
func (s *Service) Unsubscribe(channel, clientID string) error {
	if ok := s.hub.Unsubscribe(channel, clientID); !ok {
		return fmt.Errorf("channel %s or client %s not found", channel, clientID)
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("channel", channel).
		Msg("unsubscribed")
	return nil
}

// SendToClient sends a message directly to a specific connection.
func (s *Service) SendToClient(clientID string, msg protocol.Message) error {
	if ok := s.hub.SendToClient(clientID, msg); !ok {
		return fmt.Errorf("client %s not found or buffer full", clientID)
	}
	return nil
}

// GetRoom returns a snapshot of a room, or an error if it does not exist.
func (s *Service) GetRoom(roomID string) (*session.Room, error) {
	room := s.store.Room(roomID)
	if room == nil {
		return nil, fmt.Errorf("room %s not found", roomID)
	}
	return room, nil
}

// GetUsersInRoom returns the users currently in a room.
func (s *Service) GetUsersInRoom(roomID string) []*session.User {
	return s.store.UsersInRoom(roomID)
}

// GetPresence returns a user's presence tier as of now.
func (s *Service) GetPresence(userID string) session.Tier {
	return s.store.Presence(userID, time.Now())
}

// GetRooms returns the ids of all live rooms.
func (s *Service) GetRooms() []string {
	return s.store.RoomIDs()
}

// OnRoomUpdated registers a room observer; returns its unsubscribe func.
func (s *Service) OnRoomUpdated(cb session.RoomCallback) func() {
	return s.store.OnRoomUpdated(cb)
}

// OnUserUpdated registers a user observer; returns its unsubscribe func.
func (s *Service) OnUserUpdated(cb session.UserCallback) func() {
	return s.store.OnUserUpdated(cb)
}

// OnMessage registers a raw message observer; returns its unsubscribe func.
func (s *Service) OnMessage(cb session.MessageCallback) func() {
	return s.store.OnMessage(cb)
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetChannels returns active channels with subscriber counts.
func (s *Service) GetChannels() map[string]int {
	return s.hub.Channels()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*hub.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return info, nil
}
