// Package gateway accepts client connections, owns the room table and
// routes every inbound message to the owner its scope names.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/channel"
	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/ids"
	"github.com/cory-johannsen/playnet/internal/level"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/room"
	"github.com/cory-johannsen/playnet/internal/session"
	"github.com/cory-johannsen/playnet/internal/telemetry"
)

var (
	// ErrRoomNotFound is returned for an unknown or destroyed room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrAlreadyJoined is returned when the user already has a player in the room.
	ErrAlreadyJoined = errors.New("already joined")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("gateway closed")
)

const (
	// DefaultTickInterval is used when the room options leave it unset.
	DefaultTickInterval = 50 * time.Millisecond
	// DefaultLoadTimeout bounds level loading during room creation.
	DefaultLoadTimeout = 10 * time.Second
)

// SelfData is the payload of the self event pushed on connect.
type SelfData struct {
	UserID    string                    `json:"userId"`
	Templates map[string]level.Template `json:"templates"`
}

// Options configure a Gateway.
type Options struct {
	Room        room.Options
	LoadTimeout time.Duration
	// MaxEntityID caps the shared entity id space; zero means unbounded.
	MaxEntityID uint64
}

// Stats is a point-in-time census of the gateway.
type Stats struct {
	Users    int
	Rooms    int
	Players  int
	Entities int
}

// Gateway is the server side of the session framework.
type Gateway struct {
	ctx     context.Context
	loader  room.Loader
	levels  level.Saver
	catalog *level.Catalog
	opts    Options
	logger  *zap.Logger

	sessions  *session.Manager
	ticks     *room.TickManager
	routes    *routeTable
	roomIDs   ids.Allocator
	playerIDs ids.Allocator
	entityIDs *ids.Allocator

	mu     sync.RWMutex
	rooms  map[uint64]*room.Room
	closed bool

	// Connected fires after a user has received its self event.
	Connected event.Emitter[*session.User]
	// Disconnected fires after a user left every room and was destroyed.
	Disconnected event.Emitter[*session.User]
	// RoomCreated fires once a room is active, before its creator joins.
	RoomCreated event.Emitter[*room.Room]
}

// New creates a Gateway. Room ticks stop when ctx is cancelled.
//
// Precondition: loader, catalog and logger must be non-nil. levels may be
// nil, which rejects level:save.
func New(ctx context.Context, loader room.Loader, levels level.Saver, catalog *level.Catalog, opts Options, logger *zap.Logger) *Gateway {
	if opts.Room.TickInterval <= 0 {
		opts.Room.TickInterval = DefaultTickInterval
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	return &Gateway{
		ctx:       ctx,
		loader:    loader,
		levels:    levels,
		catalog:   catalog,
		opts:      opts,
		logger:    logger,
		sessions:  session.NewManager(),
		ticks:     room.NewTickManager(ctx),
		routes:    newRouteTable(),
		entityIDs: ids.NewAllocator(0, opts.MaxEntityID),
		rooms:     make(map[uint64]*room.Room),
	}
}

// Connect creates the user of a new connection and pushes its self event.
// Frames for the peer are written to t using codec.
//
// Postcondition: The returned user is registered until Disconnect.
func (g *Gateway) Connect(t channel.Transport, codec protocol.Codec) (*session.User, error) {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	bw := telemetry.NewBandwidth(g.opts.Room.Clock)
	ch := channel.New(t, codec, g.logger.With(zap.String("user_id", id)), channel.WithObserver(bw))
	u := session.NewUser(id, ch, bw)
	if err := g.sessions.Add(u); err != nil {
		return nil, err
	}

	if err := u.Send(protocol.NameSelf, SelfData{UserID: id, Templates: g.catalog.ToData()}); err != nil {
		g.sessions.Remove(id)
		u.Destroy()
		return nil, fmt.Errorf("sending self to %s: %w", id, err)
	}
	g.logger.Info("user connected", zap.String("user_id", id), zap.String("codec", codec.Name()))
	g.Connected.Fire(u)
	return u, nil
}

// Receive handles one inbound frame of u. Frames of one connection must be
// passed sequentially.
func (g *Gateway) Receive(u *session.User, raw []byte) {
	u.Channel().HandleInbound(raw, func(m *protocol.Message) { g.dispatch(u, m) })
}

// Disconnect leaves every room u joined, abandons its pending calls and
// discards it. A non-nil cause is first reported on u.Errors.
// Disconnect is idempotent.
func (g *Gateway) Disconnect(u *session.User, cause error) {
	if u.IsDestroyed() {
		return
	}
	if cause != nil {
		u.Errors.Fire(cause)
	}
	for _, roomID := range u.Rooms() {
		if err := g.LeaveRoom(roomID, u); err != nil {
			g.logger.Warn("leaving room on disconnect",
				zap.String("user_id", u.ID()),
				zap.Uint64("room_id", roomID),
				zap.Error(err),
			)
		}
	}
	g.sessions.Remove(u.ID())
	u.Destroy()
	g.logger.Info("user disconnected", zap.String("user_id", u.ID()), zap.NamedError("cause", cause))
	g.Disconnected.Fire(u)
}

// CreateRoom creates a room running levelID and joins u to it.
//
// Postcondition: On error the room id is spent and no room is registered.
func (g *Gateway) CreateRoom(ctx context.Context, levelID string, u *session.User) (*room.Room, *room.Player, error) {
	r, p, err := g.createRoom(ctx, levelID, u)
	if err != nil {
		return nil, nil, err
	}
	r.Announce(p)
	return r, p, nil
}

func (g *Gateway) createRoom(ctx context.Context, levelID string, u *session.User) (_ *room.Room, _ *room.Player, err error) {
	ctx, span := otel.Tracer("playnet/gateway").Start(ctx, "gateway.create_room")
	span.SetAttributes(attribute.String("level.id", levelID), attribute.String("user.id", u.ID()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	id, err := g.roomIDs.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("allocating room id: %w", err)
	}
	span.SetAttributes(attribute.Int64("room.id", int64(id)))

	r := room.New(id, levelID, g.opts.Room, g.entityIDs, g.routes, g.logger)
	r.Destroyed.On(g.roomClosed)

	ctx, cancel := context.WithTimeout(ctx, g.opts.LoadTimeout)
	defer cancel()
	if err := r.Initialize(ctx, g.loader); err != nil {
		return nil, nil, err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		r.Close()
		return nil, nil, ErrClosed
	}
	g.rooms[id] = r
	g.mu.Unlock()
	g.ticks.Register(id, r.TickInterval(), r.Tick)

	g.logger.Info("room created",
		zap.Uint64("room_id", id),
		zap.String("level_id", levelID),
		zap.String("user_id", u.ID()),
	)
	g.RoomCreated.Fire(r)

	p, err := g.joinRoom(id, u)
	if err != nil {
		// The room never held a player, so no leave would reclaim it.
		r.Close()
		return nil, nil, err
	}
	return r, p, nil
}

// JoinRoom creates the player of u in room roomID.
//
// Postcondition: Returns ErrRoomNotFound or ErrAlreadyJoined without side
// effects.
func (g *Gateway) JoinRoom(roomID uint64, u *session.User) (*room.Player, error) {
	p, err := g.joinRoom(roomID, u)
	if err != nil {
		return nil, err
	}
	p.Room().Announce(p)
	return p, nil
}

func (g *Gateway) joinRoom(roomID uint64, u *session.User) (*room.Player, error) {
	r, ok := g.Room(roomID)
	if !ok {
		return nil, fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
	}
	if u.InRoom(roomID) {
		return nil, fmt.Errorf("room %d: %w", roomID, ErrAlreadyJoined)
	}
	playerID, err := g.playerIDs.Next()
	if err != nil {
		return nil, fmt.Errorf("allocating player id: %w", err)
	}

	p := room.NewPlayer(playerID, u, r)
	if err := r.Join(p); err != nil {
		switch {
		case errors.Is(err, room.ErrAlreadyMember):
			return nil, fmt.Errorf("room %d: %w", roomID, ErrAlreadyJoined)
		case errors.Is(err, room.ErrRoomDestroyed), errors.Is(err, room.ErrNotActive):
			return nil, fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
		}
		return nil, err
	}
	g.routes.addPlayer(p)
	u.JoinedRoom(roomID)
	g.sessions.EnterRoom(u.ID(), roomID)

	// The room may have closed between Join and the bookkeeping above.
	if r.State() == room.StateDestroyed {
		g.forgetPlayer(p)
		return nil, fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
	}
	g.logger.Debug("player created",
		zap.Uint64("room_id", roomID),
		zap.Uint64("player_id", playerID),
		zap.String("user_id", u.ID()),
	)
	return p, nil
}

// LeaveRoom destroys the player of u in roomID. It is a no-op when u is not
// a member.
func (g *Gateway) LeaveRoom(roomID uint64, u *session.User) error {
	r, ok := g.Room(roomID)
	if !ok {
		u.LeftRoom(roomID)
		g.sessions.ExitRoom(u.ID(), roomID)
		return nil
	}
	if p := r.Leave(u); p != nil {
		g.forgetPlayer(p)
	}
	return nil
}

// roomClosed drops a destroyed room and the players it still held.
func (g *Gateway) roomClosed(c room.Closed) {
	id := c.Room.ID()
	g.mu.Lock()
	if g.rooms[id] == c.Room {
		delete(g.rooms, id)
	}
	g.mu.Unlock()
	g.ticks.Unregister(id)
	for _, p := range c.Players {
		g.forgetPlayer(p)
	}
}

func (g *Gateway) forgetPlayer(p *room.Player) {
	roomID := p.Room().ID()
	g.routes.removePlayer(p.ID())
	p.User().LeftRoom(roomID)
	g.sessions.ExitRoom(p.User().ID(), roomID)
}

// Room returns the active room with id.
func (g *Gateway) Room(id uint64) (*room.Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Rooms returns every registered room ordered by id.
func (g *Gateway) Rooms() []*room.Room {
	g.mu.RLock()
	out := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// User returns the connected user with id.
func (g *Gateway) User(id string) (*session.User, bool) {
	return g.sessions.Get(id)
}

// CloseRoom destroys room id, removing every player.
func (g *Gateway) CloseRoom(id uint64) error {
	r, ok := g.Room(id)
	if !ok {
		return fmt.Errorf("room %d: %w", id, ErrRoomNotFound)
	}
	r.Close()
	return nil
}

// Stats returns the current census.
func (g *Gateway) Stats() Stats {
	players, entities := g.routes.counts()
	g.mu.RLock()
	rooms := len(g.rooms)
	g.mu.RUnlock()
	return Stats{
		Users:    g.sessions.Count(),
		Rooms:    rooms,
		Players:  players,
		Entities: entities,
	}
}

// Close disconnects every user, destroys every room and stops the ticks.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	for _, u := range g.sessions.All() {
		g.Disconnect(u, nil)
	}
	for _, r := range g.Rooms() {
		r.Close()
	}
	g.ticks.Stop()
	g.logger.Info("gateway closed")
}
