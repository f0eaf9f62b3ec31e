package session

import (
	"sync"
	"time"

	"github.com/maproom/collab/src/protocol"
	"github.com/rs/zerolog"
)

// Store applies protocol messages to rooms and users, one at a time.
// Each Apply call is atomic: observers never see a partially applied
// message. Construct one per process boundary with New; there is no
// package-level instance.
type Store struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	users  map[string]*User
	bus    *Bus
	logger zerolog.Logger
}

// New creates an empty store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		rooms:  make(map[string]*Room),
		users:  make(map[string]*User),
		bus:    NewBus(logger),
		logger: logger.With().Str("component", "session-store").Logger(),
	}
}

// OnRoomUpdated registers a callback invoked whenever a room changes.
// Returns an unsubscribe func.
func (s *Store) OnRoomUpdated(cb RoomCallback) func() { return s.bus.OnRoomUpdated(cb) }

// OnUserUpdated registers a callback invoked whenever a user changes.
func (s *Store) OnUserUpdated(cb UserCallback) func() { return s.bus.OnUserUpdated(cb) }

// OnMessage registers a callback invoked for every applied message before
// dispatch, including unknown and chat passthrough kinds.
func (s *Store) OnMessage(cb MessageCallback) func() { return s.bus.OnMessage(cb) }

// Apply dispatches one decoded message against the store. Messages with a
// kind the store does not act on are still forwarded to message observers.
// Heartbeats are the connection layer's business and are ignored here.
func (s *Store) Apply(msg protocol.Message) {
	if msg.Kind.IsHeartbeat() {
		return
	}

	s.bus.emitMessage(msg)

	switch msg.Kind {
	case protocol.KindJoin:
		s.applyJoin(msg)
	case protocol.KindLeave:
		s.applyLeave(msg)
	case protocol.KindCursorMove:
		s.applyCursorMove(msg)
	case protocol.KindFeatureCreated, protocol.KindFeatureUpdated:
		s.applyObjectUpsert(msg, objectFeature)
	case protocol.KindFeatureDeleted:
		s.applyObjectDelete(msg, objectFeature)
	case protocol.KindAnnotationCreated, protocol.KindAnnotationUpdated:
		s.applyObjectUpsert(msg, objectAnnotation)
	case protocol.KindAnnotationDeleted:
		s.applyObjectDelete(msg, objectAnnotation)
	case protocol.KindStatus:
		s.applyStatus(msg)
	case protocol.KindChat, protocol.KindUnknown:
		// Passthrough only; message observers already saw it.
	}
}

type objectClass int

const (
	objectFeature objectClass = iota
	objectAnnotation
)

func (s *Store) applyJoin(msg protocol.Message) {
	if msg.RoomID == "" || msg.UserID == "" {
		s.dropped(msg, "join requires roomId and userId")
		return
	}
	now := time.Now()

	s.mu.Lock()
	user := s.ensureUser(msg.UserID, msg.Username, now)
	room, ok := s.rooms[msg.RoomID]
	if !ok {
		room = newRoom(msg.RoomID, now)
		s.rooms[msg.RoomID] = room
	}
	room.Users[user.ID] = user
	user.Rooms[room.ID] = true
	user.LastActivityAt = now
	room.LastActivityAt = now
	roomCopy := room.snapshot()
	userCopy := user.clone()
	s.mu.Unlock()

	s.bus.emitRoom(msg.RoomID, roomCopy)
	s.bus.emitUser(msg.UserID, userCopy)
}

func (s *Store) applyLeave(msg protocol.Message) {
	if msg.RoomID == "" || msg.UserID == "" {
		s.dropped(msg, "leave requires roomId and userId")
		return
	}

	s.mu.Lock()
	room, roomOK := s.rooms[msg.RoomID]
	user, userOK := s.users[msg.UserID]
	roomChanged := false
	if roomOK {
		if _, member := room.Users[msg.UserID]; member {
			delete(room.Users, msg.UserID)
			roomChanged = true
		}
	}
	userChanged := false
	if userOK && user.Rooms[msg.RoomID] {
		delete(user.Rooms, msg.RoomID)
		userChanged = true
		// A user with no rooms left is gone entirely.
		if len(user.Rooms) == 0 {
			delete(s.users, msg.UserID)
		}
	}
	// Leaving a room one was never in is a no-op and notifies nobody.
	var roomCopy *Room
	if roomChanged {
		// Empty rooms are deleted immediately rather than retained.
		if len(room.Users) == 0 {
			delete(s.rooms, msg.RoomID)
		}
		roomCopy = room.snapshot()
	}
	var userCopy *User
	if userChanged {
		userCopy = user.clone()
	}
	s.mu.Unlock()

	if roomChanged {
		s.bus.emitRoom(msg.RoomID, roomCopy)
	}
	if userChanged {
		s.bus.emitUser(msg.UserID, userCopy)
	}
}

func (s *Store) applyCursorMove(msg protocol.Message) {
	if msg.UserID == "" {
		s.dropped(msg, "cursor_move requires userId")
		return
	}
	cursor, ok := msg.CursorPosition()
	if !ok {
		s.dropped(msg, "cursor_move payload has no position")
		return
	}

	s.mu.Lock()
	user := s.ensureUser(msg.UserID, msg.Username, time.Now())
	user.Cursor = &cursor
	user.LastActivityAt = time.Now()
	userCopy := user.clone()
	s.mu.Unlock()

	// Cursor movement is user activity, not room activity.
	s.bus.emitUser(msg.UserID, userCopy)
}

func (s *Store) applyObjectUpsert(msg protocol.Message, class objectClass) {
	if msg.RoomID == "" {
		s.dropped(msg, "object upsert requires roomId")
		return
	}
	id, ok := msg.PayloadID()
	if !ok {
		s.dropped(msg, "object upsert payload has no id")
		return
	}
	now := time.Now()

	s.mu.Lock()
	room, exists := s.rooms[msg.RoomID]
	if !exists {
		room = newRoom(msg.RoomID, now)
		s.rooms[msg.RoomID] = room
	}
	// Last writer wins; whole payloads replace, there is no merging.
	switch class {
	case objectFeature:
		room.Features[id] = msg.Payload
	case objectAnnotation:
		room.Annotations[id] = msg.Payload
	}
	room.LastActivityAt = now
	if msg.UserID != "" {
		if user, ok := s.users[msg.UserID]; ok {
			user.LastActivityAt = now
		}
	}
	roomCopy := room.snapshot()
	s.mu.Unlock()

	s.bus.emitRoom(msg.RoomID, roomCopy)
}

func (s *Store) applyObjectDelete(msg protocol.Message, class objectClass) {
	if msg.RoomID == "" {
		s.dropped(msg, "object delete requires roomId")
		return
	}
	id, ok := msg.PayloadID()
	if !ok {
		s.dropped(msg, "object delete payload has no id")
		return
	}

	s.mu.Lock()
	room, exists := s.rooms[msg.RoomID]
	if !exists {
		s.mu.Unlock()
		return
	}
	removed := false
	switch class {
	case objectFeature:
		if _, ok := room.Features[id]; ok {
			delete(room.Features, id)
			removed = true
		}
	case objectAnnotation:
		if _, ok := room.Annotations[id]; ok {
			delete(room.Annotations, id)
			removed = true
		}
	}
	if removed {
		room.LastActivityAt = time.Now()
	}
	roomCopy := room.snapshot()
	s.mu.Unlock()

	// Deleting an absent object is a no-op, not an error, and emits nothing.
	if removed {
		s.bus.emitRoom(msg.RoomID, roomCopy)
	}
}

func (s *Store) applyStatus(msg protocol.Message) {
	if msg.UserID == "" {
		s.dropped(msg, "status requires userId")
		return
	}
	status, ok := msg.StatusOverride()
	if !ok {
		return
	}

	s.mu.Lock()
	user := s.ensureUser(msg.UserID, msg.Username, time.Now())
	user.Status = status
	user.LastActivityAt = time.Now()
	userCopy := user.clone()
	s.mu.Unlock()

	s.bus.emitUser(msg.UserID, userCopy)
}

// ensureUser returns the user for id, creating it on first sight and
// refreshing the display name when the sender supplies one. Callers hold
// the write lock.
func (s *Store) ensureUser(id, displayName string, now time.Time) *User {
	user, ok := s.users[id]
	if !ok {
		user = newUser(id, displayName, now)
		s.users[id] = user
	} else if displayName != "" && user.DisplayName != displayName {
		user.DisplayName = displayName
	}
	return user
}

func (s *Store) dropped(msg protocol.Message, reason string) {
	s.logger.Debug().
		Str("type", msg.Type).
		Str("room_id", msg.RoomID).
		Str("user_id", msg.UserID).
		Msg("dropped message: " + reason)
}

// Room returns a snapshot of a room, or nil if it does not exist.
func (s *Store) Room(roomID string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return room.snapshot()
}

// UsersInRoom returns copies of the users currently in a room.
func (s *Store) UsersInRoom(roomID string) []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	users := make([]*User, 0, len(room.Users))
	for _, u := range room.Users {
		users = append(users, u.clone())
	}
	return users
}

// User returns a copy of a user by id, or nil.
func (s *Store) User(userID string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil
	}
	return user.clone()
}

// RoomIDs returns the ids of all live rooms.
func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount returns the number of live rooms.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// UserCount returns the number of users known to the store.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Presence returns the presence tier for a user as of now. Unknown users
// are offline.
func (s *Store) Presence(userID string, now time.Time) Tier {
	s.mu.RLock()
	user, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return Offline
	}
	return TierAt(user.LastActivityAt, now)
}
