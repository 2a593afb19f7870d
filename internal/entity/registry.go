package entity

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/ids"
	"github.com/cory-johannsen/playnet/internal/protocol"
)

// ErrIDSpaceExhausted is returned when the shared allocator runs out of ids.
var ErrIDSpaceExhausted = ids.ErrExhausted

// ErrRegistryClosed is returned by Register after Close.
var ErrRegistryClosed = errors.New("entity registry closed")

// Routes makes registered entities addressable by inbound messages.
type Routes interface {
	AddEntity(e *Entity)
	RemoveEntity(id uint64) error
}

// Broadcaster sends a room-scoped event to every player of the room.
type Broadcaster interface {
	Send(name string, data any)
}

// Recipient is a player waiting for a full snapshot.
type Recipient interface {
	PlayerID() uint64
	Send(name string, data any) error
}

// Registry is the per-room table of replicated entities.
type Registry struct {
	roomID uint64
	alloc  *ids.Allocator
	routes Routes
	out    Broadcaster
	logger *zap.Logger

	mu       sync.Mutex
	entities map[uint64]*Entity
	pending  map[uint64]Recipient
	closed   bool
}

// NewRegistry creates an empty registry for room roomID drawing ids from
// alloc, which is shared by every room of the process.
//
// Precondition: alloc, routes, out and logger must be non-nil.
func NewRegistry(roomID uint64, alloc *ids.Allocator, routes Routes, out Broadcaster, logger *zap.Logger) *Registry {
	return &Registry{
		roomID:   roomID,
		alloc:    alloc,
		routes:   routes,
		out:      out,
		logger:   logger.With(zap.Uint64("room_id", roomID)),
		entities: make(map[uint64]*Entity),
		pending:  make(map[uint64]Recipient),
	}
}

// Register assigns ids to every replicable, unregistered object in the
// subtree rooted at obj and announces them in one entities:create event.
// Registering an object that already has an id is a no-op.
//
// Postcondition: On ErrIDSpaceExhausted no object of the subtree keeps a
// newly assigned id and nothing is announced.
func (r *Registry) Register(obj Object) error {
	if obj.NetworkID() != 0 {
		return nil
	}

	var fresh []Object
	walk(obj, func(o Object) {
		if o.Replicable() && o.NetworkID() == 0 {
			fresh = append(fresh, o)
		}
	})
	if len(fresh) == 0 {
		return nil
	}

	for i, o := range fresh {
		id, err := r.alloc.Next()
		if err != nil {
			for _, assigned := range fresh[:i] {
				assigned.SetNetworkID(0)
			}
			return fmt.Errorf("registering %d entities in room %d: %w", len(fresh), r.roomID, err)
		}
		o.SetNetworkID(id)
	}

	created := make([]*Entity, 0, len(fresh))
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		for _, o := range fresh {
			o.SetNetworkID(0)
		}
		return ErrRegistryClosed
	}
	for _, o := range fresh {
		e := &Entity{id: o.NetworkID(), roomID: r.roomID, object: o}
		r.entities[e.id] = e
		created = append(created, e)
	}
	r.mu.Unlock()

	snapshot := make(map[uint64]any, len(created))
	for _, e := range created {
		r.routes.AddEntity(e)
		e.unhook = e.object.OnDestroyed(func() { r.destroyed(e) })
		snapshot[e.id] = e.object.Snapshot()
	}

	r.logger.Debug("entities registered",
		zap.Uint64("root_id", created[0].id),
		zap.Int("count", len(created)),
	)
	r.out.Send(protocol.NameEntitiesCreate, CreateData{Entities: snapshot})
	return nil
}

// destroyed unregisters the registered subtree of e in one batch and
// broadcasts a single entities:delete carrying e's id.
func (r *Registry) destroyed(e *Entity) {
	r.mu.Lock()
	if r.entities[e.id] != e {
		r.mu.Unlock()
		return
	}
	var batch []*Entity
	walk(e.object, func(o Object) {
		if id := o.NetworkID(); id != 0 {
			if child, ok := r.entities[id]; ok {
				batch = append(batch, child)
				delete(r.entities, id)
			}
		}
	})
	r.mu.Unlock()

	if err := r.release(batch); err != nil {
		r.logger.Warn("entity teardown incomplete", zap.Uint64("root_id", e.id), zap.Error(err))
	}
	r.logger.Debug("entities destroyed", zap.Uint64("root_id", e.id), zap.Int("count", len(batch)))
	r.out.Send(protocol.NameEntitiesDelete, e.id)
}

// Unregister removes id from the registry and revokes its route. Unknown
// ids are ignored.
func (r *Registry) Unregister(id uint64) error {
	r.mu.Lock()
	e, ok := r.entities[id]
	if ok {
		delete(r.entities, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.release([]*Entity{e})
}

// release revokes every entity in batch, continuing past failures.
func (r *Registry) release(batch []*Entity) error {
	var errs []error
	for _, e := range batch {
		e.removed.Store(true)
		if e.unhook != nil {
			e.unhook()
		}
		if err := r.routes.RemoveEntity(e.id); err != nil {
			errs = append(errs, fmt.Errorf("entity %d: %w", e.id, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the entity registered under id.
func (r *Registry) Get(id uint64) (*Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	return e, ok
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.Lock()
	out := make([]uint64, 0, len(r.entities))
	for id := range r.entities {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Collect returns the state changes of every registered entity ordered by
// id. Unchanged entities are omitted unless force is set, in which case
// every entity reports its full state.
//
// Objects may be destroyed while Collect runs; their entries are dropped.
func (r *Registry) Collect(force bool) []Delta {
	r.mu.Lock()
	list := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		list = append(list, e)
	}
	r.mu.Unlock()
	slices.SortFunc(list, func(a, b *Entity) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})

	var out []Delta
	for _, e := range list {
		if e.removed.Load() {
			continue
		}
		since := e.token
		if force {
			since = 0
		}
		state, token := e.object.Delta(since)
		e.token = token
		if state == nil {
			if !force {
				continue
			}
			state = e.object.Snapshot()
		}
		if e.removed.Load() {
			continue
		}
		out = append(out, Delta{ID: e.id, State: state})
	}
	return out
}

// Snapshot returns the full state of every registered entity.
func (r *Registry) Snapshot() map[uint64]any {
	r.mu.Lock()
	list := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		list = append(list, e)
	}
	r.mu.Unlock()

	out := make(map[uint64]any, len(list))
	for _, e := range list {
		out[e.id] = e.object.Snapshot()
	}
	return out
}

// Track marks p as needing a full snapshot on the next FlushSnapshots.
func (r *Registry) Track(p Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[p.PlayerID()] = p
}

// Untrack stops tracking player.
func (r *Registry) Untrack(player uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, player)
}

// FlushSnapshots sends one entities:create carrying every registered entity
// to each tracked player and clears the pending set. It returns the number
// of players served.
func (r *Registry) FlushSnapshots() int {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return 0
	}
	recipients := make([]Recipient, 0, len(r.pending))
	for _, p := range r.pending {
		recipients = append(recipients, p)
	}
	clear(r.pending)
	r.mu.Unlock()

	data := CreateData{Entities: r.Snapshot()}
	for _, p := range recipients {
		if err := p.Send(protocol.NameEntitiesCreate, data); err != nil {
			r.logger.Debug("full snapshot not delivered", zap.Uint64("player_id", p.PlayerID()), zap.Error(err))
		}
	}
	return len(recipients)
}

// Close unregisters every entity without broadcasting and rejects further
// registrations. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	batch := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		batch = append(batch, e)
	}
	clear(r.entities)
	clear(r.pending)
	r.mu.Unlock()
	return r.release(batch)
}

// walk visits the subtree rooted at root depth-first, parents before
// children, without recursion.
func walk(root Object, visit func(Object)) {
	stack := []Object{root}
	for len(stack) > 0 {
		n := len(stack) - 1
		o := stack[n]
		stack = stack[:n]
		visit(o)
		children := o.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}
