package session

import (
	"slices"
	"sync"

	"github.com/cory-johannsen/playnet/internal/channel"
	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/telemetry"
)

// User is one connected client.
type User struct {
	id        string
	ch        *channel.Channel
	bandwidth *telemetry.Bandwidth

	// Messages fires for application messages scoped to the user.
	Messages event.Emitter[*protocol.Message]
	// Errors fires for transport failures before the user is destroyed.
	Errors event.Emitter[error]
	// Destroyed fires once when the user is discarded.
	Destroyed event.Emitter[struct{}]

	mu        sync.Mutex
	rooms     map[uint64]struct{}
	destroyed bool
}

// NewUser binds id to its channel and bandwidth accountant.
//
// Precondition: ch must report frame sizes to bw.
func NewUser(id string, ch *channel.Channel, bw *telemetry.Bandwidth) *User {
	return &User{id: id, ch: ch, bandwidth: bw, rooms: make(map[uint64]struct{})}
}

func (u *User) ID() string { return u.id }

// Channel returns the user's scoped channel.
func (u *User) Channel() *channel.Channel { return u.ch }

// Bandwidth returns the user's traffic accountant.
func (u *User) Bandwidth() *telemetry.Bandwidth { return u.bandwidth }

// Send emits a user-scoped event.
func (u *User) Send(name string, data any) error {
	return u.ch.Send(protocol.UserScope(), name, data)
}

// SendScoped emits an event on an arbitrary scope of this connection.
func (u *User) SendScoped(scope protocol.Scope, name string, data any) error {
	return u.ch.Send(scope, name, data)
}

// Call issues a user-scoped request to the client.
func (u *User) Call(name string, data any, fn channel.ResponseHandler) (uint64, error) {
	return u.ch.Call(protocol.UserScope(), name, data, fn)
}

// JoinedRoom records membership of roomID.
//
// Postcondition: Returns false when the user was already a member.
func (u *User) JoinedRoom(roomID uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.rooms[roomID]; ok {
		return false
	}
	u.rooms[roomID] = struct{}{}
	return true
}

// LeftRoom forgets membership of roomID and reports whether it existed.
func (u *User) LeftRoom(roomID uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.rooms[roomID]; !ok {
		return false
	}
	delete(u.rooms, roomID)
	return true
}

// InRoom reports membership of roomID.
func (u *User) InRoom(roomID uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.rooms[roomID]
	return ok
}

// Rooms returns the joined room ids in ascending order.
func (u *User) Rooms() []uint64 {
	u.mu.Lock()
	out := make([]uint64, 0, len(u.rooms))
	for id := range u.rooms {
		out = append(out, id)
	}
	u.mu.Unlock()
	slices.Sort(out)
	return out
}

// Destroy closes the channel, dropping pending calls, and fires Destroyed.
// Destroy is idempotent.
func (u *User) Destroy() {
	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		return
	}
	u.destroyed = true
	u.mu.Unlock()

	u.ch.Close()
	u.Destroyed.Fire(struct{}{})
	u.Messages.Clear()
	u.Errors.Clear()
	u.Destroyed.Clear()
}

// IsDestroyed reports whether Destroy has run.
func (u *User) IsDestroyed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.destroyed
}
