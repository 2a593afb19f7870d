package client

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/protocol"
)

// Room mirrors a joined room and the entity table replicated to it.
type Room struct {
	id     uint64
	client *Client
	player *Player

	// Messages fires for every room-scoped message, after entity messages
	// have been applied to the table.
	Messages event.Emitter[*protocol.Message]
}

func newRoom(c *Client, id uint64) *Room {
	return &Room{id: id, client: c}
}

func (r *Room) ID() uint64 { return r.id }

// Player returns the local player of this room.
func (r *Room) Player() *Player {
	r.client.mu.RLock()
	defer r.client.mu.RUnlock()
	return r.player
}

// Send emits a room-scoped event.
func (r *Room) Send(name string, data any) error {
	return r.client.ch.Send(protocol.RoomScope(r.id), name, data)
}

// Call issues a room-scoped request.
func (r *Room) Call(ctx context.Context, name string, data any) (any, error) {
	return r.client.call(ctx, protocol.RoomScope(r.id), name, data)
}

// Entities returns the ids of the mirrored entities in ascending order.
func (r *Room) Entities() []uint64 {
	r.client.mu.RLock()
	defer r.client.mu.RUnlock()
	var out []uint64
	for id, e := range r.client.entities {
		if e.room == r {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Room) deliver(m *protocol.Message) {
	switch m.Kind {
	case protocol.KindEntitiesCreate:
		r.applyCreate(m.Data)
	case protocol.KindEntitiesUpdate:
		r.applyUpdate(m.Data)
	case protocol.KindEntitiesDelete:
		r.applyDelete(m.Data)
	}
	r.Messages.Fire(m)
}

func (r *Room) applyCreate(data any) {
	var payload struct {
		Entities any `json:"entities"`
	}
	if err := protocol.DecodeData(data, &payload); err != nil {
		r.client.logger.Warn("malformed entities:create", zap.Error(err))
		return
	}
	c := r.client
	c.mu.Lock()
	defer c.mu.Unlock()
	eachEntry(payload.Entities, func(key, snapshot any) {
		id, err := protocol.ParseID(key)
		if err != nil || id == 0 {
			c.logger.Warn("bad entity id", zap.Any("id", key))
			return
		}
		e, ok := c.entities[id]
		if !ok {
			e = &Entity{id: id, room: r, client: c}
			c.entities[id] = e
		}
		e.setSnapshot(snapshot)
	})
}

func (r *Room) applyUpdate(data any) {
	var batch []struct {
		ID    uint64 `json:"id"`
		State any    `json:"state"`
	}
	if err := protocol.DecodeData(data, &batch); err != nil {
		r.client.logger.Warn("malformed entities:update", zap.Error(err))
		return
	}
	c := r.client
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range batch {
		if e, ok := c.entities[d.ID]; ok && e.room == r {
			e.merge(d.State)
		}
	}
}

// applyDelete drops the root id and every mirrored descendant of it.
func (r *Room) applyDelete(data any) {
	root, err := protocol.ParseID(data)
	if err != nil {
		r.client.logger.Warn("malformed entities:delete", zap.Error(err))
		return
	}
	c := r.client
	c.mu.Lock()
	doomed := map[uint64]*Entity{}
	if e, ok := c.entities[root]; ok && e.room == r {
		doomed[root] = e
	}
	for changed := true; changed; {
		changed = false
		for id, e := range c.entities {
			if _, gone := doomed[id]; gone || e.room != r {
				continue
			}
			if _, parentGone := doomed[e.Parent()]; parentGone {
				doomed[id] = e
				changed = true
			}
		}
	}
	for id := range doomed {
		delete(c.entities, id)
	}
	c.mu.Unlock()
	for _, e := range doomed {
		e.Messages.Clear()
	}
}

// eachEntry walks a decoded map regardless of the key type the codec chose.
func eachEntry(v any, fn func(key, value any)) {
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			fn(k, val)
		}
	case map[any]any:
		for k, val := range m {
			fn(k, val)
		}
	}
}

// Player is the local player of a joined room.
type Player struct {
	id     uint64
	room   *Room
	client *Client

	// Messages fires for player-scoped messages, including _ping.
	Messages event.Emitter[*protocol.Message]
}

func (p *Player) ID() uint64 { return p.id }

func (p *Player) Room() *Room { return p.room }

// Send emits a player-scoped event.
func (p *Player) Send(name string, data any) error {
	return p.client.ch.Send(protocol.PlayerScope(p.id), name, data)
}

// Entity mirrors one replicated entity.
type Entity struct {
	id     uint64
	room   *Room
	client *Client

	mu     sync.Mutex
	state  any
	parent uint64

	// Messages fires for entity-scoped messages.
	Messages event.Emitter[*protocol.Message]
}

func (e *Entity) ID() uint64 { return e.id }

func (e *Entity) Room() *Room { return e.room }

// Parent returns the id of the nearest replicated ancestor, or zero.
func (e *Entity) Parent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent
}

// State returns a copy of the entity's current state.
func (e *Entity) State() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.state.(map[string]any); ok {
		return maps.Clone(m)
	}
	return e.state
}

// Send emits an entity-scoped event.
func (e *Entity) Send(name string, data any) error {
	return e.client.ch.Send(protocol.EntityScope(e.id), name, data)
}

// Call issues an entity-scoped request.
func (e *Entity) Call(ctx context.Context, name string, data any) (any, error) {
	return e.client.call(ctx, protocol.EntityScope(e.id), name, data)
}

// setSnapshot replaces the entity's state from a full snapshot. Snapshots
// shaped {parent, state} contribute their parent link.
func (e *Entity) setSnapshot(snapshot any) {
	var shaped struct {
		Parent uint64 `json:"parent"`
		State  any    `json:"state"`
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := snapshot.(map[string]any); ok {
		if _, hasState := m["state"]; hasState && protocol.DecodeData(m, &shaped) == nil {
			e.parent = shaped.Parent
			e.state = toStringMap(shaped.State)
			return
		}
	}
	e.state = toStringMap(snapshot)
}

// merge applies a delta: maps update per key, anything else replaces.
func (e *Entity) merge(delta any) {
	delta = toStringMap(delta)
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, curOK := e.state.(map[string]any)
	next, nextOK := delta.(map[string]any)
	if !curOK || !nextOK {
		e.state = delta
		return
	}
	merged := maps.Clone(cur)
	maps.Copy(merged, next)
	e.state = merged
}

func toStringMap(v any) any {
	m, ok := v.(map[any]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if s, ok := k.(string); ok {
			out[s] = val
		}
	}
	return out
}
