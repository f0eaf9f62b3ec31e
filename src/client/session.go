package client

import (
	"context"
	"time"

	"github.com/maproom/collab/src/protocol"
	"github.com/maproom/collab/src/session"
	"github.com/rs/zerolog"
)

// Session bundles a reconnection controller with its own session store:
// the complete client-side view of a collaborative map session behind one
// handle. The store belongs to the session, not the connection, so a
// reconnect never loses room state.
type Session struct {
	store      *session.Store
	controller *Controller
}

// NewSession creates a client session for the given endpoint.
func NewSession(url string, opts Options, logger zerolog.Logger) *Session {
	store := session.New(logger)
	return &Session{
		store:      store,
		controller: New(url, NewWebsocketDialer(), store, opts, logger),
	}
}

// Connect establishes the connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.controller.Connect(ctx)
}

// Disconnect closes the connection cleanly with no retry.
func (s *Session) Disconnect(reason string) {
	s.controller.Disconnect(reason)
}

// Send delivers a message now or queues it for the next open.
func (s *Session) Send(msg protocol.Message) bool {
	return s.controller.Send(msg)
}

// Subscribe adds a channel subscription, replayed across reconnects.
func (s *Session) Subscribe(channel string) {
	s.controller.Subscribe(channel)
}

// Unsubscribe drops a channel subscription.
func (s *Session) Unsubscribe(channel string) {
	s.controller.Unsubscribe(channel)
}

// Join enters a room as the given user and re-joins it after every
// reconnect.
func (s *Session) Join(roomID, userID, username string) {
	s.controller.AutoJoin(roomID, userID, username)
}

// OnRoomUpdated registers a room observer; returns its unsubscribe func.
func (s *Session) OnRoomUpdated(cb session.RoomCallback) func() {
	return s.store.OnRoomUpdated(cb)
}

// OnUserUpdated registers a user observer; returns its unsubscribe func.
func (s *Session) OnUserUpdated(cb session.UserCallback) func() {
	return s.store.OnUserUpdated(cb)
}

// OnMessage registers a raw message observer; returns its unsubscribe func.
func (s *Session) OnMessage(cb session.MessageCallback) func() {
	return s.store.OnMessage(cb)
}

// OnStateChange registers a connection lifecycle observer.
func (s *Session) OnStateChange(cb func(State, error)) {
	s.controller.OnStateChange(cb)
}

// GetRoom returns a snapshot of a room, or nil.
func (s *Session) GetRoom(roomID string) *session.Room {
	return s.store.Room(roomID)
}

// GetUsersInRoom returns the users currently in a room.
func (s *Session) GetUsersInRoom(roomID string) []*session.User {
	return s.store.UsersInRoom(roomID)
}

// GetPresence returns a user's presence tier as of now.
func (s *Session) GetPresence(userID string) session.Tier {
	return s.store.Presence(userID, time.Now())
}

// State returns the connection lifecycle state.
func (s *Session) State() State {
	return s.controller.State()
}
