package sim

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/entity"
	"github.com/cory-johannsen/playnet/internal/level"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/scripting"
)

// ErrUnknownEntity is returned when a name does not resolve to a live node.
var ErrUnknownEntity = errors.New("unknown entity")

// Host is the room side of a world: it registers spawned nodes for
// replication and broadcasts room events.
type Host interface {
	Register(obj entity.Object) error
	Send(name string, data any)
}

// World owns the scene of one room and drives its scripts.
type World struct {
	roomID  uint64
	levelID string
	catalog *level.Catalog
	logger  *zap.Logger

	root *Node

	mu      sync.Mutex
	names   map[string]*Node
	spawned int
	host    Host
	scripts *scripting.Manager
}

// NewWorld builds the scene described by doc for room roomID.
//
// Precondition: doc must be valid; catalog and logger must be non-nil.
// Postcondition: Returns an error when doc references an unknown template.
func NewWorld(roomID uint64, doc *level.Document, catalog *level.Catalog, logger *zap.Logger) (*World, error) {
	w := &World{
		roomID:  roomID,
		levelID: doc.ID,
		catalog: catalog,
		logger:  logger.With(zap.Uint64("room_id", roomID), zap.String("level_id", doc.ID)),
		root:    NewNode(doc.ID, false),
		names:   make(map[string]*Node),
	}
	w.root.world = w
	for _, spec := range doc.Entities {
		n, err := w.build(spec, "")
		if err != nil {
			return nil, fmt.Errorf("building level %s: %w", doc.ID, err)
		}
		w.root.AddChild(n)
	}
	return w, nil
}

// build instantiates spec and its descendants. prefix qualifies the names
// of template children.
func (w *World) build(spec level.EntitySpec, prefix string) (*Node, error) {
	name := spec.Name
	if prefix != "" {
		name = prefix + "/" + name
	}
	if _, dup := w.names[name]; dup {
		return nil, fmt.Errorf("duplicate entity name %q", name)
	}

	networked := spec.Networked
	state := make(map[string]any)
	var children []level.EntitySpec
	var templateChildren []level.EntitySpec
	if spec.Template != "" {
		tpl, ok := w.catalog.Get(spec.Template)
		if !ok {
			return nil, fmt.Errorf("entity %q: unknown template %q", name, spec.Template)
		}
		networked = networked || tpl.Networked
		maps.Copy(state, tpl.State)
		templateChildren = tpl.Children
	}
	maps.Copy(state, spec.State)
	children = spec.Children

	n := NewNode(name, networked)
	n.template = spec.Template
	n.world = w
	for k, v := range state {
		n.Set(k, v)
	}
	w.names[name] = n

	for _, c := range templateChildren {
		child, err := w.build(c, name)
		if err != nil {
			return nil, err
		}
		n.AddChild(child)
	}
	for _, c := range children {
		child, err := w.build(c, prefix)
		if err != nil {
			return nil, err
		}
		n.AddChild(child)
	}
	return n, nil
}

// RoomID returns the room the world belongs to.
func (w *World) RoomID() uint64 { return w.roomID }

// LevelID returns the level the world was built from.
func (w *World) LevelID() string { return w.levelID }

// Root returns the scene root. The root itself is never replicated.
func (w *World) Root() entity.Object { return w.root }

// Node returns the live node called name.
func (w *World) Node(name string) (*Node, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.names[name]
	if !ok || n.Destroyed() {
		return nil, false
	}
	return n, true
}

// Attach binds the world to its room. Nodes spawned afterwards are
// registered through host.
func (w *World) Attach(host Host) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.host = host
}

// UseScripts routes tick and message hooks to the room's VM in m.
func (w *World) UseScripts(m *scripting.Manager) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scripts = m
}

// Update advances the simulation by dt, calling the on_tick(dt_ms) hook.
func (w *World) Update(dt time.Duration) error {
	scripts := w.scriptManager()
	if scripts == nil {
		return nil
	}
	_, err := scripts.CallHook(w.roomID, "on_tick", lua.LNumber(dt.Milliseconds()))
	return err
}

// Close unloads the world's scripts and destroys the scene.
func (w *World) Close() error {
	if scripts := w.scriptManager(); scripts != nil {
		scripts.Unload(w.roomID)
	}
	w.root.Destroy()
	w.mu.Lock()
	clear(w.names)
	w.mu.Unlock()
	return nil
}

func (w *World) receive(n *Node, m *protocol.Message) {
	scripts := w.scriptManager()
	if scripts == nil {
		return
	}
	if _, err := scripts.Emit(w.roomID, "on_message", n.Name(), m.Name, m.Data); err != nil {
		w.logger.Warn("on_message hook failed", zap.String("entity", n.Name()), zap.Error(err))
	}
}

func (w *World) scriptManager() *scripting.Manager {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scripts
}

// Get implements scripting.Host.
func (w *World) Get(name, key string) (any, bool) {
	n, ok := w.Node(name)
	if !ok {
		return nil, false
	}
	return n.Get(key)
}

// Set implements scripting.Host.
func (w *World) Set(name, key string, value any) error {
	n, ok := w.Node(name)
	if !ok {
		return fmt.Errorf("setting %s on %q: %w", key, name, ErrUnknownEntity)
	}
	n.Set(key, value)
	return nil
}

// Spawn instantiates template under parent (the scene root when empty) and
// registers the new subtree for replication.
func (w *World) Spawn(template, parent string) (string, error) {
	if _, ok := w.catalog.Get(template); !ok {
		return "", fmt.Errorf("spawning: unknown template %q", template)
	}
	at := w.root
	if parent != "" {
		p, ok := w.Node(parent)
		if !ok {
			return "", fmt.Errorf("spawning %s under %q: %w", template, parent, ErrUnknownEntity)
		}
		at = p
	}

	w.mu.Lock()
	w.spawned++
	name := fmt.Sprintf("%s#%d", template, w.spawned)
	n, err := w.build(level.EntitySpec{Name: name, Template: template}, "")
	host := w.host
	w.mu.Unlock()
	if err != nil {
		return "", err
	}
	at.AddChild(n)

	if host != nil {
		if err := host.Register(n); err != nil {
			w.destroy(n)
			return "", fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return name, nil
}

// Destroy implements scripting.Host. The scene root cannot be destroyed.
func (w *World) Destroy(name string) error {
	n, ok := w.Node(name)
	if !ok || n == w.root {
		return fmt.Errorf("destroying %q: %w", name, ErrUnknownEntity)
	}
	w.destroy(n)
	return nil
}

// Entities implements scripting.Host.
func (w *World) Entities() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.names))
}

// Send implements scripting.Host.
func (w *World) Send(name string, data any) {
	w.mu.Lock()
	host := w.host
	w.mu.Unlock()
	if host != nil {
		host.Send(name, data)
	}
}

// destroy tears down n and drops the names of its whole subtree.
func (w *World) destroy(n *Node) {
	var names []string
	stack := []*Node{n}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		names = append(names, x.Name())
		stack = append(stack, x.childNodes()...)
	}
	n.Destroy()
	w.mu.Lock()
	for _, name := range names {
		delete(w.names, name)
	}
	w.mu.Unlock()
}
