package session

import (
	"sync"

	"github.com/maproom/collab/src/protocol"
	"github.com/rs/zerolog"
)

// RoomCallback observes room mutations.
type RoomCallback func(roomID string, room *Room)

// UserCallback observes user mutations.
type UserCallback func(userID string, user *User)

// MessageCallback observes every decoded message before store dispatch.
type MessageCallback func(msg protocol.Message)

// Bus fans out store mutations to registered observers. Callbacks run
// synchronously in subscription order during message processing; a panic
// in one callback is recovered and logged so it cannot abort the dispatch
// or starve later subscribers.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	rooms    []roomEntry
	users    []userEntry
	messages []messageEntry
	logger   zerolog.Logger
}

type roomEntry struct {
	id int
	cb RoomCallback
}

type userEntry struct {
	id int
	cb UserCallback
}

type messageEntry struct {
	id int
	cb MessageCallback
}

// NewBus creates an empty notification bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "session-bus").Logger()}
}

// OnRoomUpdated registers a room observer and returns its unsubscribe func.
func (b *Bus) OnRoomUpdated(cb RoomCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.rooms = append(b.rooms, roomEntry{id: id, cb: cb})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.rooms {
			if e.id == id {
				b.rooms = append(b.rooms[:i], b.rooms[i+1:]...)
				return
			}
		}
	}
}

// OnUserUpdated registers a user observer and returns its unsubscribe func.
func (b *Bus) OnUserUpdated(cb UserCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.users = append(b.users, userEntry{id: id, cb: cb})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.users {
			if e.id == id {
				b.users = append(b.users[:i], b.users[i+1:]...)
				return
			}
		}
	}
}

// OnMessage registers a raw message observer and returns its unsubscribe func.
func (b *Bus) OnMessage(cb MessageCallback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.messages = append(b.messages, messageEntry{id: id, cb: cb})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.messages {
			if e.id == id {
				b.messages = append(b.messages[:i], b.messages[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) emitRoom(roomID string, room *Room) {
	b.mu.RLock()
	entries := make([]roomEntry, len(b.rooms))
	copy(entries, b.rooms)
	b.mu.RUnlock()

	for _, e := range entries {
		b.safeCall(func() { e.cb(roomID, room) })
	}
}

func (b *Bus) emitUser(userID string, user *User) {
	b.mu.RLock()
	entries := make([]userEntry, len(b.users))
	copy(entries, b.users)
	b.mu.RUnlock()

	for _, e := range entries {
		b.safeCall(func() { e.cb(userID, user) })
	}
}

func (b *Bus) emitMessage(msg protocol.Message) {
	b.mu.RLock()
	entries := make([]messageEntry, len(b.messages))
	copy(entries, b.messages)
	b.mu.RUnlock()

	for _, e := range entries {
		b.safeCall(func() { e.cb(msg) })
	}
}

func (b *Bus) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("subscriber callback panicked")
		}
	}()
	fn()
}
