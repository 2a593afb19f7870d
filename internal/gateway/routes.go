package gateway

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/playnet/internal/entity"
	"github.com/cory-johannsen/playnet/internal/room"
)

// routeTable resolves player and network entity scope ids to their owners.
// Ids of both kinds are globally unique, so one table serves every room.
type routeTable struct {
	mu       sync.RWMutex
	entities map[uint64]*entity.Entity
	players  map[uint64]*room.Player
}

func newRouteTable() *routeTable {
	return &routeTable{
		entities: make(map[uint64]*entity.Entity),
		players:  make(map[uint64]*room.Player),
	}
}

// AddEntity implements entity.Routes.
func (t *routeTable) AddEntity(e *entity.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entities[e.ID()] = e
}

// RemoveEntity implements entity.Routes.
func (t *routeTable) RemoveEntity(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entities[id]; !ok {
		return fmt.Errorf("no route for entity %d", id)
	}
	delete(t.entities, id)
	return nil
}

func (t *routeTable) entity(id uint64) (*entity.Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entities[id]
	return e, ok
}

func (t *routeTable) addPlayer(p *room.Player) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.players[p.ID()] = p
}

func (t *routeTable) removePlayer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.players, id)
}

func (t *routeTable) player(id uint64) (*room.Player, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.players[id]
	return p, ok
}

func (t *routeTable) counts() (players, entities int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.players), len(t.entities)
}
