package room

import (
	"sync/atomic"
	"time"

	"github.com/cory-johannsen/playnet/internal/event"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/session"
	"github.com/cory-johannsen/playnet/internal/telemetry"
)

// Player binds one user to one room.
type Player struct {
	id   uint64
	user *session.User
	room *Room

	// Messages fires for application messages scoped to the player.
	Messages event.Emitter[*protocol.Message]
	// Destroyed fires once when the player leaves the room.
	Destroyed event.Emitter[struct{}]

	latency   atomic.Int64
	destroyed atomic.Bool
}

// NewPlayer creates the binding of user to r under the globally unique id.
func NewPlayer(id uint64, user *session.User, r *Room) *Player {
	return &Player{id: id, user: user, room: r}
}

func (p *Player) ID() uint64 { return p.id }

// PlayerID lets a Player serve as a ping target and snapshot recipient.
func (p *Player) PlayerID() uint64 { return p.id }

func (p *Player) User() *session.User { return p.user }

func (p *Player) Room() *Room { return p.room }

// Latency returns the last measured round trip.
func (p *Player) Latency() time.Duration {
	return time.Duration(p.latency.Load())
}

// Send emits a player-scoped event to this player's client.
func (p *Player) Send(name string, data any) error {
	return p.user.SendScoped(protocol.PlayerScope(p.id), name, data)
}

// SendPing emits a _ping carrying the last latency and the user's traffic
// rates.
func (p *Player) SendPing(latency time.Duration, seq uint64) error {
	bw := p.user.Bandwidth()
	return p.Send(protocol.NamePing, telemetry.PingData{
		Latency: latency.Milliseconds(),
		In:      bw.Total(protocol.In),
		Out:     bw.Total(protocol.Out),
		ID:      seq,
	})
}

// Deliver handles an inbound player-scoped message. _pong completes the
// outstanding latency probe; everything else fires Messages.
func (p *Player) Deliver(m *protocol.Message) {
	if p.destroyed.Load() {
		return
	}
	if m.Kind == protocol.KindPong {
		p.room.pong(p, m)
		return
	}
	p.Messages.Fire(m)
}

// Destroy fires Destroyed and drops every listener. Destroy is idempotent.
func (p *Player) Destroy() {
	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}
	p.Destroyed.Fire(struct{}{})
	p.Messages.Clear()
	p.Destroyed.Clear()
}

// IsDestroyed reports whether Destroy has run.
func (p *Player) IsDestroyed() bool {
	return p.destroyed.Load()
}

// roomRecipient delivers a player's full entity snapshot on the room scope,
// where the client keeps its entity table.
type roomRecipient struct{ *Player }

func (r roomRecipient) Send(name string, data any) error {
	return r.user.SendScoped(protocol.RoomScope(r.room.id), name, data)
}
