// Package entity tracks the simulation objects a room replicates to its
// players.
package entity

import (
	"sync/atomic"

	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/protocol"
)

// Object is the capability set the registry needs from a simulation object.
// It never depends on a concrete engine type.
type Object interface {
	// NetworkID returns the replication id, or zero when unregistered.
	NetworkID() uint64
	SetNetworkID(id uint64)
	// Replicable reports whether the object is exposed to clients. Objects
	// that are not replicable are walked through but never registered.
	Replicable() bool
	// Snapshot returns the complete state of the object.
	Snapshot() any
	// Delta returns the state changed after token since, or nil when
	// nothing changed, together with the token for the next call. since
	// zero requests the full state.
	Delta(since uint64) (any, uint64)
	// OnDestroyed registers fn to run when the object is destroyed, before
	// its children are destroyed. The returned func removes the hook.
	OnDestroyed(fn func()) (cancel func())
	Children() []Object
}

// Receiver is implemented by objects that consume messages addressed to
// their network entity scope.
type Receiver interface {
	Receive(m *protocol.Message)
}

// Entity is one registered object.
type Entity struct {
	id     uint64
	roomID uint64
	object Object

	// Messages fires for every inbound message scoped to this entity.
	Messages event.Emitter[*protocol.Message]

	token   uint64
	unhook  func()
	removed atomic.Bool
}

func (e *Entity) ID() uint64 { return e.id }

// RoomID returns the room whose registry owns the entity.
func (e *Entity) RoomID() uint64 { return e.roomID }

func (e *Entity) Object() Object { return e.object }

// Deliver hands an inbound message to the entity's listeners. Messages for
// an unregistered entity are dropped.
func (e *Entity) Deliver(m *protocol.Message) {
	if e.removed.Load() {
		return
	}
	if r, ok := e.object.(Receiver); ok {
		r.Receive(m)
	}
	e.Messages.Fire(m)
}

// Delta is one entry of an entities:update batch.
type Delta struct {
	ID    uint64 `json:"id"`
	State any    `json:"state"`
}

// CreateData is the payload of entities:create.
type CreateData struct {
	Entities map[uint64]any `json:"entities"`
}
