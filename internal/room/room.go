// Package room implements isolated multiplayer sessions: their players,
// their replicated entities and their tick.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/config"
	"github.com/cory-johannsen/playnet/internal/entity"
	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/ids"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/session"
	"github.com/cory-johannsen/playnet/internal/sim"
	"github.com/cory-johannsen/playnet/internal/telemetry"
)

var (
	// ErrRoomDestroyed is returned by operations on a destroyed room.
	ErrRoomDestroyed = errors.New("room destroyed")
	// ErrNotActive is returned when joining a room that is still initializing.
	ErrNotActive = errors.New("room not active")
	// ErrAlreadyMember is returned when the user already has a player here.
	ErrAlreadyMember = errors.New("user already has a player in room")
)

// State is a room's lifecycle stage. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Simulation is the external engine state of a room.
type Simulation interface {
	// Root is the scene root registered for replication on activation.
	Root() entity.Object
	// Attach hands the simulation its room once the room is active.
	Attach(host sim.Host)
	Update(dt time.Duration) error
	Close() error
}

// Loader builds the simulation of a room from a level id.
type Loader interface {
	Load(ctx context.Context, roomID uint64, levelID string) (Simulation, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, roomID uint64, levelID string) (Simulation, error)

func (f LoaderFunc) Load(ctx context.Context, roomID uint64, levelID string) (Simulation, error) {
	return f(ctx, roomID, levelID)
}

// WorldLoader adapts the built-in scene simulation to Loader.
func WorldLoader(l *sim.Loader) Loader {
	return LoaderFunc(func(ctx context.Context, roomID uint64, levelID string) (Simulation, error) {
		w, err := l.Load(ctx, roomID, levelID)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
}

// Options tune a room's cadence and its empty-room policy. An empty room is
// kept unless EmptyPolicy is config.EmptyPolicyDestroy.
type Options struct {
	TickInterval     time.Duration
	PingInterval     time.Duration
	KeyframeInterval int
	EmptyPolicy      string
	EmptyGrace       time.Duration
	Clock            telemetry.Clock
}

// OptionsFromConfig maps the room section of the configuration.
func OptionsFromConfig(cfg config.RoomConfig) Options {
	return Options{
		TickInterval:     cfg.TickInterval,
		PingInterval:     cfg.PingInterval,
		KeyframeInterval: cfg.KeyframeInterval,
		EmptyPolicy:      cfg.EmptyPolicy,
		EmptyGrace:       cfg.EmptyGrace,
	}
}

// Closed is the payload of Room.Destroyed: the players the room still held.
type Closed struct {
	Room    *Room
	Players []*Player
}

// Room is one isolated session.
//
// Join, Leave, Tick and Close are serialized by opMu. The player set has its
// own lock so broadcasts issued from inside a tick never contend with opMu.
type Room struct {
	id      uint64
	levelID string
	opts    Options
	now     telemetry.Clock
	logger  *zap.Logger

	state atomic.Int32

	opMu       sync.Mutex
	simulation Simulation
	pinger     *telemetry.Pinger
	registry   *entity.Registry
	ticks      uint64
	lastTick   time.Time
	graceTimer *time.Timer

	playersMu sync.RWMutex
	players   map[uint64]*Player
	byUser    map[string]*Player

	// Messages fires for application messages scoped to the room.
	Messages event.Emitter[*protocol.Message]
	// Joined and Left fire after membership changes.
	Joined event.Emitter[*Player]
	Left   event.Emitter[*Player]
	// Destroyed fires once when the room reaches StateDestroyed.
	Destroyed event.Emitter[Closed]
}

// New creates a room in StateCreated. Entity ids come from alloc, shared by
// every room; routes makes registered entities addressable.
//
// Precondition: alloc, routes and logger must be non-nil.
func New(id uint64, levelID string, opts Options, alloc *ids.Allocator, routes entity.Routes, logger *zap.Logger) *Room {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	r := &Room{
		id:      id,
		levelID: levelID,
		opts:    opts,
		now:     now,
		logger:  logger.With(zap.Uint64("room_id", id)),
		pinger:  telemetry.NewPinger(opts.PingInterval, now),
		players: make(map[uint64]*Player),
		byUser:  make(map[string]*Player),
	}
	r.registry = entity.NewRegistry(id, alloc, routes, r, logger)
	return r
}

func (r *Room) ID() uint64 { return r.id }

func (r *Room) LevelID() string { return r.levelID }

func (r *Room) State() State { return State(r.state.Load()) }

// Registry returns the room's entity registry.
func (r *Room) Registry() *entity.Registry { return r.registry }

// TickInterval returns the configured tick period.
func (r *Room) TickInterval() time.Duration { return r.opts.TickInterval }

// Initialize loads the room's level and activates it.
//
// Precondition: The room must be in StateCreated.
// Postcondition: The room is StateActive, or StateDestroyed with a non-nil
// error.
func (r *Room) Initialize(ctx context.Context, loader Loader) (err error) {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return fmt.Errorf("initializing room %d in state %s", r.id, r.State())
	}
	ctx, span := otel.Tracer("playnet/room").Start(ctx, "room.initialize")
	span.SetAttributes(attribute.Int64("room.id", int64(r.id)), attribute.String("level.id", r.levelID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.state.Store(int32(StateDestroyed))
			r.registry.Close()
			r.Destroyed.Fire(Closed{Room: r})
			r.logger.Warn("room initialization failed", zap.String("level_id", r.levelID), zap.Error(err))
		}
		span.End()
	}()

	simulation, err := loader.Load(ctx, r.id, r.levelID)
	if err != nil {
		return fmt.Errorf("room %d: %w", r.id, err)
	}
	if err := r.registry.Register(simulation.Root()); err != nil {
		simulation.Close()
		return fmt.Errorf("room %d: %w", r.id, err)
	}

	r.opMu.Lock()
	r.simulation = simulation
	r.lastTick = r.now()
	r.opMu.Unlock()
	simulation.Attach(r)

	r.state.Store(int32(StateActive))
	r.logger.Info("room active",
		zap.String("level_id", r.levelID),
		zap.Int("entities", r.registry.Len()),
	)
	return nil
}

// Join adds p. The player receives no entities until Announce.
//
// Postcondition: Returns ErrNotActive, ErrRoomDestroyed or ErrAlreadyMember
// without changing membership.
func (r *Room) Join(p *Player) error {
	r.opMu.Lock()
	switch r.State() {
	case StateActive:
	case StateDestroyed:
		r.opMu.Unlock()
		return ErrRoomDestroyed
	default:
		r.opMu.Unlock()
		return ErrNotActive
	}

	r.playersMu.Lock()
	if _, dup := r.byUser[p.user.ID()]; dup {
		r.playersMu.Unlock()
		r.opMu.Unlock()
		return ErrAlreadyMember
	}
	r.players[p.id] = p
	r.byUser[p.user.ID()] = p
	r.playersMu.Unlock()

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.opMu.Unlock()

	r.logger.Info("player joined", zap.Uint64("player_id", p.id), zap.String("user_id", p.user.ID()))
	r.Joined.Fire(p)
	return nil
}

// Announce schedules a full entity snapshot for p on the next tick. Callers
// acknowledge the join first so the snapshot follows the acknowledgement.
func (r *Room) Announce(p *Player) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if cur, ok := r.Player(p.id); !ok || cur != p {
		return
	}
	r.registry.Track(roomRecipient{p})
}

// Leave removes the player of user, destroys it and applies the empty-room
// policy. It reports the removed player, or nil when user was not a member.
func (r *Room) Leave(user *session.User) *Player {
	r.opMu.Lock()
	r.playersMu.Lock()
	p, ok := r.byUser[user.ID()]
	if !ok {
		r.playersMu.Unlock()
		r.opMu.Unlock()
		return nil
	}
	delete(r.byUser, user.ID())
	delete(r.players, p.id)
	empty := len(r.players) == 0
	r.playersMu.Unlock()

	r.registry.Untrack(p.id)
	r.pinger.Remove(p.id)
	user.Bandwidth().Forget(protocol.PlayerScope(p.id))
	closeNow := empty && r.State() == StateActive && r.scheduleEmpty()
	r.opMu.Unlock()

	r.logger.Info("player left", zap.Uint64("player_id", p.id), zap.String("user_id", user.ID()))
	r.Left.Fire(p)
	p.Destroy()
	if closeNow {
		r.Close()
	}
	return p
}

// scheduleEmpty applies the empty-room policy and reports whether the room
// must close immediately. Callers hold opMu.
func (r *Room) scheduleEmpty() bool {
	if r.opts.EmptyPolicy != config.EmptyPolicyDestroy {
		return false
	}
	if r.opts.EmptyGrace <= 0 {
		return true
	}
	r.graceTimer = time.AfterFunc(r.opts.EmptyGrace, func() {
		if r.PlayerCount() == 0 {
			r.logger.Info("closing room after empty grace period")
			r.Close()
		}
	})
	return false
}

// Close destroys the room: players are destroyed, entities unregistered and
// the simulation closed. Close is idempotent.
func (r *Room) Close() {
	r.opMu.Lock()
	if r.State() == StateDestroyed {
		r.opMu.Unlock()
		return
	}
	r.state.Store(int32(StateDestroyed))
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	r.playersMu.Lock()
	remaining := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		remaining = append(remaining, p)
	}
	clear(r.players)
	clear(r.byUser)
	r.playersMu.Unlock()

	if err := r.registry.Close(); err != nil {
		r.logger.Warn("registry teardown incomplete", zap.Error(err))
	}
	simulation := r.simulation
	r.simulation = nil
	r.opMu.Unlock()

	if simulation != nil {
		if err := simulation.Close(); err != nil {
			r.logger.Warn("closing simulation", zap.Error(err))
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].id < remaining[j].id })
	for _, p := range remaining {
		p.Destroy()
	}
	r.logger.Info("room destroyed", zap.Int("players", len(remaining)))
	r.Destroyed.Fire(Closed{Room: r, Players: remaining})
	r.Messages.Clear()
	r.Joined.Clear()
	r.Left.Clear()
}

// Tick advances the room once: latency probes, simulation update, pending
// full snapshots, then one batched entities:update.
func (r *Room) Tick() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.State() != StateActive {
		return
	}

	now := r.now()
	dt := now.Sub(r.lastTick)
	r.lastTick = now

	players := r.Players()
	targets := make([]telemetry.PingTarget, len(players))
	for i, p := range players {
		targets[i] = p
	}
	r.pinger.Tick(targets)

	if err := r.simulation.Update(dt); err != nil {
		r.logger.Warn("simulation update failed", zap.Error(err))
	}
	if r.State() != StateActive {
		return
	}

	r.registry.FlushSnapshots()

	r.ticks++
	force := r.opts.KeyframeInterval > 0 && r.ticks%uint64(r.opts.KeyframeInterval) == 0
	if deltas := r.registry.Collect(force); len(deltas) > 0 {
		r.Send(protocol.NameEntitiesUpdate, deltas)
	}
}

// Ticks returns the number of completed ticks.
func (r *Room) Ticks() uint64 {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.ticks
}

// Send broadcasts a room-scoped event to every player.
func (r *Room) Send(name string, data any) {
	scope := protocol.RoomScope(r.id)
	for _, p := range r.Players() {
		if err := p.user.SendScoped(scope, name, data); err != nil {
			r.logger.Debug("broadcast not delivered",
				zap.String("name", name),
				zap.Uint64("player_id", p.id),
				zap.Error(err),
			)
		}
	}
}

// Register replicates obj. Exhausting the entity id space is fatal to the
// room, which then closes itself.
func (r *Room) Register(obj entity.Object) error {
	err := r.registry.Register(obj)
	if errors.Is(err, entity.ErrIDSpaceExhausted) {
		r.logger.Error("entity id space exhausted, closing room", zap.Error(err))
		go r.Close()
	}
	return err
}

// Deliver fires Messages for an inbound room-scoped message.
func (r *Room) Deliver(m *protocol.Message) {
	if r.State() != StateActive {
		return
	}
	r.Messages.Fire(m)
}

func (r *Room) pong(p *Player, m *protocol.Message) {
	var pong telemetry.PongData
	if m.Data != nil {
		if err := m.Decode(&pong); err != nil {
			r.logger.Debug("malformed pong", zap.Uint64("player_id", p.id), zap.Error(err))
			return
		}
	}
	if latency, ok := r.pinger.Pong(p.id, pong.ID); ok {
		p.latency.Store(int64(latency))
	}
}

// Players returns the current players ordered by id.
func (r *Room) Players() []*Player {
	r.playersMu.RLock()
	out := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	r.playersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Player returns the player with id.
func (r *Room) Player(id uint64) (*Player, bool) {
	r.playersMu.RLock()
	defer r.playersMu.RUnlock()
	p, ok := r.players[id]
	return p, ok
}

// PlayerFor returns the player of userID.
func (r *Room) PlayerFor(userID string) (*Player, bool) {
	r.playersMu.RLock()
	defer r.playersMu.RUnlock()
	p, ok := r.byUser[userID]
	return p, ok
}

// PlayerCount returns the number of players.
func (r *Room) PlayerCount() int {
	r.playersMu.RLock()
	defer r.playersMu.RUnlock()
	return len(r.players)
}

// Unanswered returns how many ping rounds skipped player id.
func (r *Room) Unanswered(id uint64) int {
	return r.pinger.Unanswered(id)
}
