// Package presence tracks which users are connected to which room, and
// through how many connections.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var ErrMissingIdentifier = errors.New("missing identifier")

// A connection's membership in a room
type Binding struct {
	RoomID string
	UserID string
	Name   string
}

// A user present in a room, as shown to clients
type User struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

type member struct {
	name  string
	conns map[string]struct{}
}

// Registry owns the connection -> binding and room -> user -> connections
// mappings. Every transition happens under mu, so a reader never sees a
// user without connections or a room without users.
type Registry struct {
	log      *slog.Logger
	bindings map[string]Binding
	rooms    map[string]map[string]*member
	mu       sync.RWMutex
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		bindings: make(map[string]Binding),
		rooms:    make(map[string]map[string]*member),
	}
}

// Join binds connID to (roomID, userID). It reports whether this is the
// user's first connection in the room. A connection that was already bound
// is released first, exactly as a leave would release it.
func (r *Registry) Join(roomID, userID, name, connID string) (bool, error) {
	if roomID == "" || userID == "" || name == "" || connID == "" {
		return false, fmt.Errorf("%w: room=%q user=%q name=%q conn=%q",
			ErrMissingIdentifier, roomID, userID, name, connID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.bindings[connID]; ok {
		delete(r.bindings, connID)
		r.release(previous, connID)
		r.log.Debug("Released previous binding for reused connection",
			"conn", connID, "room", previous.RoomID, "user", previous.UserID)
	}

	r.bindings[connID] = Binding{RoomID: roomID, UserID: userID, Name: name}

	users, ok := r.rooms[roomID]
	if !ok {
		users = make(map[string]*member)
		r.rooms[roomID] = users
	}
	m, ok := users[userID]
	if !ok {
		m = &member{conns: make(map[string]struct{})}
		users[userID] = m
	}
	first := len(m.conns) == 0
	m.name = name
	m.conns[connID] = struct{}{}

	r.log.Debug("Connection joined room",
		"conn", connID, "room", roomID, "user", userID, "connections", len(m.conns))
	return first, nil
}

// LeaveByConnection drops the binding of connID. The binding is returned
// only when it was the user's last connection in its room.
func (r *Registry) LeaveByConnection(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, ok := r.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.bindings, connID)

	if !r.release(binding, connID) {
		return Binding{}, false
	}
	return binding, true
}

// release removes connID from the membership of b and garbage-collects
// empty users and rooms. It reports whether the user has fully left.
// Callers hold mu.
func (r *Registry) release(b Binding, connID string) bool {
	users, ok := r.rooms[b.RoomID]
	if !ok {
		return true
	}
	m, ok := users[b.UserID]
	if !ok {
		return true
	}
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return false
	}

	delete(users, b.UserID)
	if len(users) == 0 {
		delete(r.rooms, b.RoomID)
		r.log.Debug("Room is now empty", "room", b.RoomID)
	}
	return true
}

// Binding returns the current binding of connID, if any.
func (r *Registry) Binding(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[connID]
	return b, ok
}

// List returns the users present in roomID, sorted by name.
func (r *Registry) List(roomID string) []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := r.rooms[roomID]
	list := make([]User, 0, len(users))
	for userID, m := range users {
		if len(m.conns) == 0 {
			continue
		}
		list = append(list, User{UserID: userID, Name: m.name})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].UserID < list[j].UserID
	})
	return list
}

// CleanupOrphans repairs divergence between the two mappings and returns
// the number of entries it removed.
func (r *Registry) CleanupOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0

	for connID, b := range r.bindings {
		m, ok := r.rooms[b.RoomID][b.UserID]
		if ok {
			if _, ok := m.conns[connID]; ok {
				continue
			}
		}
		delete(r.bindings, connID)
		removed++
		r.log.Info("Cleaned up orphaned binding", "conn", connID, "room", b.RoomID, "user", b.UserID)
	}

	for roomID, users := range r.rooms {
		for userID, m := range users {
			for connID := range m.conns {
				b, ok := r.bindings[connID]
				if ok && b.RoomID == roomID && b.UserID == userID {
					continue
				}
				delete(m.conns, connID)
				removed++
				r.log.Info("Cleaned up orphaned membership", "conn", connID, "room", roomID, "user", userID)
			}
			if len(m.conns) == 0 {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(r.rooms, roomID)
		}
	}

	return removed
}

// ActiveRooms returns the number of present users per room.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.rooms, func(users map[string]*member, _ string) int {
		return len(users)
	})
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Rooms: len(r.rooms), Connections: len(r.bindings)}
	for _, users := range r.rooms {
		stats.Users += len(users)
	}
	return stats
}
