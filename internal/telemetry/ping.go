package telemetry

import (
	"sync"
	"time"
)

// DefaultPingInterval is the minimum spacing between pings to one player.
const DefaultPingInterval = 2 * time.Second

// PingData is the payload of a _ping event. The peer echoes ID in its _pong.
type PingData struct {
	Latency int64  `json:"l"`
	In      int64  `json:"i"`
	Out     int64  `json:"o"`
	ID      uint64 `json:"id"`
}

// PongData is the payload of a _pong event.
type PongData struct {
	ID uint64 `json:"id"`
}

// PingTarget is a player the room pings.
type PingTarget interface {
	PlayerID() uint64
	// SendPing delivers a _ping carrying the last measured latency and the
	// probe sequence number.
	SendPing(latency time.Duration, seq uint64) error
}

type probe struct {
	seq        uint64
	sentAt     time.Time
	answered   bool
	latency    time.Duration
	unanswered int
}

// Pinger drives latency probes for one room. At most one probe per player
// is outstanding at any time.
type Pinger struct {
	mu       sync.Mutex
	interval time.Duration
	now      Clock
	last     time.Time
	seq      uint64
	probes   map[uint64]*probe
}

// NewPinger creates a driver sending at most one probe per interval. A
// non-positive interval uses DefaultPingInterval; a nil clock uses time.Now.
func NewPinger(interval time.Duration, now Clock) *Pinger {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Pinger{interval: interval, now: now, probes: make(map[uint64]*probe)}
}

// Tick pings every target whose previous probe was answered, provided the
// interval has elapsed since the last round. It returns the number of pings
// sent. Targets with an outstanding probe have their unanswered count raised.
func (p *Pinger) Tick(targets []PingTarget) int {
	p.mu.Lock()
	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return 0
	}
	p.last = now

	type send struct {
		target  PingTarget
		latency time.Duration
		seq     uint64
	}
	var sends []send
	for _, t := range targets {
		pr, ok := p.probes[t.PlayerID()]
		if ok && !pr.answered {
			pr.unanswered++
			continue
		}
		if !ok {
			pr = &probe{}
			p.probes[t.PlayerID()] = pr
		}
		p.seq++
		pr.seq = p.seq
		pr.sentAt = now
		pr.answered = false
		sends = append(sends, send{target: t, latency: pr.latency, seq: pr.seq})
	}
	p.mu.Unlock()

	sent := 0
	for _, s := range sends {
		if err := s.target.SendPing(s.latency, s.seq); err == nil {
			sent++
		}
	}
	return sent
}

// Pong records the answer to the outstanding probe of player. seq zero
// matches any outstanding probe. It reports the measured latency and whether
// the pong matched.
func (p *Pinger) Pong(player, seq uint64) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.probes[player]
	if !ok || pr.answered {
		return 0, false
	}
	if seq != 0 && seq != pr.seq {
		return 0, false
	}
	pr.answered = true
	pr.unanswered = 0
	pr.latency = p.now().Sub(pr.sentAt)
	return pr.latency, true
}

// Latency returns the last measured round trip of player.
func (p *Pinger) Latency(player uint64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.probes[player]; ok {
		return pr.latency
	}
	return 0
}

// Unanswered returns how many ping rounds skipped player because its probe
// was still outstanding.
func (p *Pinger) Unanswered(player uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.probes[player]; ok {
		return pr.unanswered
	}
	return 0
}

// Outstanding reports whether player has an unanswered probe.
func (p *Pinger) Outstanding(player uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.probes[player]
	return ok && !pr.answered
}

// Remove forgets player.
func (p *Pinger) Remove(player uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probes, player)
}
