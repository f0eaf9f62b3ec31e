// Package session holds the authoritative in-memory model of collaborative
// map rooms: who is in them, where their cursors are, and the last-known
// state of every shared feature and annotation. The store is mutated only
// by applying decoded protocol messages; observers learn of changes through
// the notification bus, never by polling internals.
package session

import (
	"time"

	"github.com/maproom/collab/src/protocol"
)

// User is a participant known to the store. A user exists from the first
// message that references their id until they leave their last room.
type User struct {
	ID             string           `json:"id"`
	DisplayName    string           `json:"displayName"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
	Cursor         *protocol.Cursor `json:"cursor,omitempty"`
	Status         string           `json:"status,omitempty"`
	Rooms          map[string]bool  `json:"-"`
}

// Room is a named collaboration session scoping users and shared objects.
// Feature and annotation payloads are opaque to the store; the map renderer
// owns their shape.
type Room struct {
	ID             string                    `json:"id"`
	Users          map[string]*User          `json:"-"`
	Features       map[string]map[string]any `json:"features"`
	Annotations    map[string]map[string]any `json:"annotations"`
	CreatedAt      time.Time                 `json:"createdAt"`
	LastActivityAt time.Time                 `json:"lastActivityAt"`
}

func newUser(id, displayName string, now time.Time) *User {
	return &User{
		ID:             id,
		DisplayName:    displayName,
		LastActivityAt: now,
		Rooms:          make(map[string]bool),
	}
}

func newRoom(id string, now time.Time) *Room {
	return &Room{
		ID:             id,
		Users:          make(map[string]*User),
		Features:       make(map[string]map[string]any),
		Annotations:    make(map[string]map[string]any),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// clone returns a deep copy of the user. Everything the store hands out
// is a copy; live structs never escape the store lock.
func (u *User) clone() *User {
	cp := &User{
		ID:             u.ID,
		DisplayName:    u.DisplayName,
		LastActivityAt: u.LastActivityAt,
		Status:         u.Status,
		Rooms:          make(map[string]bool, len(u.Rooms)),
	}
	for id := range u.Rooms {
		cp.Rooms[id] = true
	}
	if u.Cursor != nil {
		cursor := *u.Cursor
		cp.Cursor = &cursor
	}
	return cp
}

// snapshot returns a copy safe to hand to callers and callbacks. Users are
// deep-copied; feature and annotation payloads are shared because the store
// only ever replaces them whole, never writes into them.
func (r *Room) snapshot() *Room {
	cp := &Room{
		ID:             r.ID,
		Users:          make(map[string]*User, len(r.Users)),
		Features:       make(map[string]map[string]any, len(r.Features)),
		Annotations:    make(map[string]map[string]any, len(r.Annotations)),
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
	for id, u := range r.Users {
		cp.Users[id] = u.clone()
	}
	for id, f := range r.Features {
		cp.Features[id] = f
	}
	for id, a := range r.Annotations {
		cp.Annotations[id] = a
	}
	return cp
}
