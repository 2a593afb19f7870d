// Package sim is the built-in scene-graph simulation a room runs when no
// external engine is plugged in.
package sim

import (
	"maps"
	"slices"
	"sync"

	"github.com/cory-johannsen/playnet/internal/entity"
	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/protocol"
)

// Node is a named scene object carrying versioned key/value state.
type Node struct {
	mu        sync.Mutex
	name      string
	template  string
	networked bool
	id        uint64
	parent    *Node
	children  []*Node
	state     map[string]any
	versions  map[string]uint64
	clock     uint64
	destroyed bool

	world       *World
	onDestroyed event.Emitter[struct{}]
}

// NewNode returns a detached node. Only networked nodes are replicated.
func NewNode(name string, networked bool) *Node {
	return &Node{
		name:      name,
		networked: networked,
		state:     make(map[string]any),
		versions:  make(map[string]uint64),
	}
}

// Snapshot is the full replicated form of a node.
type Snapshot struct {
	Name     string         `json:"name"`
	Template string         `json:"template,omitempty"`
	Parent   uint64         `json:"parent,omitempty"`
	State    map[string]any `json:"state"`
}

func (n *Node) Name() string { return n.name }

func (n *Node) Template() string { return n.template }

func (n *Node) Parent() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

// Destroyed reports whether Destroy has run.
func (n *Node) Destroyed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed
}

// AddChild attaches c under n, detaching it from any previous parent.
func (n *Node) AddChild(c *Node) {
	if old := c.Parent(); old != nil {
		old.removeChild(c)
	}
	c.mu.Lock()
	c.parent = n
	c.mu.Unlock()
	n.mu.Lock()
	n.children = append(n.children, c)
	n.mu.Unlock()
}

func (n *Node) removeChild(c *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i := slices.Index(n.children, c); i >= 0 {
		n.children = slices.Delete(n.children, i, i+1)
	}
}

// Get returns the value stored under key.
func (n *Node) Get(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.state[key]
	return v, ok
}

// Set stores value under key and bumps the key's version.
func (n *Node) Set(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock++
	n.state[key] = value
	n.versions[key] = n.clock
}

// State returns a copy of the node's state.
func (n *Node) State() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.state)
}

// Find returns the first node named name in the subtree rooted at n.
func (n *Node) Find(name string) *Node {
	if n.name == name {
		return n
	}
	for _, c := range n.childNodes() {
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Destroy runs the node's destruction hooks, then destroys its children and
// detaches it from its parent. Destroy is idempotent.
func (n *Node) Destroy() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	children := slices.Clone(n.children)
	parent := n.parent
	n.mu.Unlock()

	n.onDestroyed.Fire(struct{}{})
	for _, c := range children {
		c.Destroy()
	}
	n.onDestroyed.Clear()
	if parent != nil {
		parent.removeChild(n)
		n.mu.Lock()
		n.parent = nil
		n.mu.Unlock()
	}
}

func (n *Node) NetworkID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

func (n *Node) SetNetworkID(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = id
}

func (n *Node) Replicable() bool { return n.networked }

func (n *Node) Snapshot() any {
	n.mu.Lock()
	s := Snapshot{
		Name:     n.name,
		Template: n.template,
		State:    maps.Clone(n.state),
	}
	parent := n.parent
	n.mu.Unlock()

	for p := parent; p != nil; p = p.Parent() {
		if id := p.NetworkID(); id != 0 {
			s.Parent = id
			break
		}
	}
	return s
}

// Delta returns the keys written after version since. since zero returns
// every key.
func (n *Node) Delta(since uint64) (any, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if since >= n.clock {
		return nil, n.clock
	}
	changed := make(map[string]any)
	for k, v := range n.versions {
		if v > since {
			changed[k] = n.state[k]
		}
	}
	return changed, n.clock
}

func (n *Node) OnDestroyed(fn func()) func() {
	h := n.onDestroyed.On(func(struct{}) { fn() })
	return func() { n.onDestroyed.Off(h) }
}

func (n *Node) Children() []entity.Object {
	nodes := n.childNodes()
	out := make([]entity.Object, len(nodes))
	for i, c := range nodes {
		out[i] = c
	}
	return out
}

// Receive forwards a message addressed to this node's entity scope to the
// world's scripts.
func (n *Node) Receive(m *protocol.Message) {
	if n.world != nil {
		n.world.receive(n, m)
	}
}

func (n *Node) childNodes() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.children)
}
