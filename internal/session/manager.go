package session

import (
	"fmt"
	"slices"
	"sync"
)

// Manager tracks connected users and room occupancy.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	users    map[string]*User
	roomSets map[uint64]map[string]bool // roomID → set of user ids
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		users:    make(map[string]*User),
		roomSets: make(map[uint64]map[string]bool),
	}
}

// Add registers u.
//
// Postcondition: Returns an error if a user with the same id exists.
func (m *Manager) Add(u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID()]; exists {
		return fmt.Errorf("user %s already connected", u.ID())
	}
	m.users[u.ID()] = u
	return nil
}

// Remove unregisters the user and clears its occupancy entries.
func (m *Manager) Remove(id string) (*User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, false
	}
	delete(m.users, id)
	for roomID, set := range m.roomSets {
		delete(set, id)
		if len(set) == 0 {
			delete(m.roomSets, roomID)
		}
	}
	return u, true
}

// Get returns the user with id.
func (m *Manager) Get(id string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

// Count returns the number of connected users.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// EnterRoom records that user id occupies roomID.
func (m *Manager) EnterRoom(id string, roomID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roomSets[roomID]
	if !ok {
		set = make(map[string]bool)
		m.roomSets[roomID] = set
	}
	set[id] = true
}

// ExitRoom removes the occupancy of user id in roomID.
func (m *Manager) ExitRoom(id string, roomID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.roomSets[roomID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.roomSets, roomID)
		}
	}
}

// UsersInRoom returns the sorted ids of users occupying roomID.
func (m *Manager) UsersInRoom(roomID uint64) []string {
	m.mu.RLock()
	set := m.roomSets[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// All returns every connected user.
func (m *Manager) All() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out
}
