package room_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/playnet/internal/channel"
	"github.com/cory-johannsen/playnet/internal/config"
	"github.com/cory-johannsen/playnet/internal/entity"
	"github.com/cory-johannsen/playnet/internal/ids"
	"github.com/cory-johannsen/playnet/internal/protocol"
	"github.com/cory-johannsen/playnet/internal/room"
	"github.com/cory-johannsen/playnet/internal/session"
	"github.com/cory-johannsen/playnet/internal/sim"
	"github.com/cory-johannsen/playnet/internal/telemetry"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) WriteFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) named(t testing.TB, name string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, f := range r.frames {
		var env protocol.Envelope
		require.NoError(t, protocol.JSONCodec{}.Unmarshal(f, &env))
		if env.Name == name {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

type routes struct {
	mu   sync.Mutex
	live map[uint64]*entity.Entity
}

func (r *routes) AddEntity(e *entity.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[e.ID()] = e
}

func (r *routes) RemoveEntity(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
	return nil
}

func (r *routes) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSim is a fixed scene: a plain root holding networked nodes a and b.
type fakeSim struct {
	root, a, b *sim.Node
	host       sim.Host
	onUpdate   func(time.Duration)
	updates    atomic.Int32
	closed     atomic.Bool
}

func newFakeSim() *fakeSim {
	s := &fakeSim{
		root: sim.NewNode("level", false),
		a:    sim.NewNode("a", true),
		b:    sim.NewNode("b", true),
	}
	s.a.Set("hp", 10)
	s.b.Set("hp", 20)
	s.root.AddChild(s.a)
	s.root.AddChild(s.b)
	return s
}

func (s *fakeSim) Root() entity.Object  { return s.root }
func (s *fakeSim) Attach(host sim.Host) { s.host = host }

func (s *fakeSim) Update(dt time.Duration) error {
	s.updates.Add(1)
	if s.onUpdate != nil {
		s.onUpdate(dt)
	}
	return nil
}

func (s *fakeSim) Close() error {
	s.closed.Store(true)
	s.root.Destroy()
	return nil
}

func loaderFor(s *fakeSim) room.Loader {
	return room.LoaderFunc(func(context.Context, uint64, string) (room.Simulation, error) {
		return s, nil
	})
}

type fixture struct {
	room   *room.Room
	sim    *fakeSim
	routes *routes
	clock  *manualClock
}

func newFixture(t *testing.T, opts room.Options) *fixture {
	t.Helper()
	f := &fixture{
		sim:    newFakeSim(),
		routes: &routes{live: make(map[uint64]*entity.Entity)},
		clock:  &manualClock{now: time.Unix(1_700_000_000, 0)},
	}
	opts.Clock = f.clock.Now
	f.room = room.New(7, "L1", opts, &ids.Allocator{}, f.routes, zaptest.NewLogger(t))
	require.NoError(t, f.room.Initialize(context.Background(), loaderFor(f.sim)))
	return f
}

func (f *fixture) join(t *testing.T, userID string, playerID uint64) (*room.Player, *recorder) {
	t.Helper()
	rec := &recorder{}
	bw := telemetry.NewBandwidth(f.clock.Now)
	ch := channel.New(rec, protocol.JSONCodec{}, zaptest.NewLogger(t), channel.WithObserver(bw))
	u := session.NewUser(userID, ch, bw)
	p := room.NewPlayer(playerID, u, f.room)
	require.NoError(t, f.room.Join(p))
	f.room.Announce(p)
	return p, rec
}

func TestRoom_InitializeRegistersScene(t *testing.T) {
	f := newFixture(t, room.Options{})

	assert.Equal(t, room.StateActive, f.room.State())
	assert.Equal(t, 2, f.room.Registry().Len())
	assert.Equal(t, 2, f.routes.len())
	assert.NotZero(t, f.sim.a.NetworkID())
	assert.NotNil(t, f.sim.host)
}

func TestRoom_InitializeFailureDestroysRoom(t *testing.T) {
	r := room.New(1, "missing", room.Options{}, &ids.Allocator{}, &routes{live: map[uint64]*entity.Entity{}}, zaptest.NewLogger(t))
	var fired atomic.Bool
	r.Destroyed.On(func(room.Closed) { fired.Store(true) })

	err := r.Initialize(context.Background(), room.LoaderFunc(func(context.Context, uint64, string) (room.Simulation, error) {
		return nil, errors.New("no such level")
	}))

	require.Error(t, err)
	assert.Equal(t, room.StateDestroyed, r.State())
	assert.True(t, fired.Load())
	assert.Error(t, r.Initialize(context.Background(), loaderFor(newFakeSim())))
}

func TestRoom_JoinBeforeActiveRejected(t *testing.T) {
	r := room.New(1, "L1", room.Options{}, &ids.Allocator{}, &routes{live: map[uint64]*entity.Entity{}}, zaptest.NewLogger(t))
	rec := &recorder{}
	u := session.NewUser("u1", channel.New(rec, protocol.JSONCodec{}, zaptest.NewLogger(t)), telemetry.NewBandwidth(nil))

	assert.ErrorIs(t, r.Join(room.NewPlayer(1, u, r)), room.ErrNotActive)
}

func TestRoom_DuplicateJoinRejected(t *testing.T) {
	f := newFixture(t, room.Options{})
	p, _ := f.join(t, "u1", 1)

	err := f.room.Join(room.NewPlayer(2, p.User(), f.room))

	assert.ErrorIs(t, err, room.ErrAlreadyMember)
	assert.Equal(t, 1, f.room.PlayerCount())
}

func TestRoom_AnnounceIgnoresStrangers(t *testing.T) {
	f := newFixture(t, room.Options{EmptyPolicy: config.EmptyPolicyKeep})
	p, rec := f.join(t, "u1", 1)
	f.room.Leave(p.User())

	f.room.Announce(p)
	f.room.Tick()

	assert.Empty(t, rec.named(t, protocol.NameEntitiesCreate))
}

func TestRoom_JoinerReceivesFullSnapshotAtTick(t *testing.T) {
	f := newFixture(t, room.Options{})
	_, rec := f.join(t, "u1", 1)
	assert.Empty(t, rec.named(t, protocol.NameEntitiesCreate), "snapshot waits for the tick")

	f.room.Tick()

	creates := rec.named(t, protocol.NameEntitiesCreate)
	require.Len(t, creates, 1)
	assert.Equal(t, protocol.RoomScope(7), creates[0].Scope)
	entities := creates[0].Data.(map[string]any)["entities"].(map[string]any)
	assert.Len(t, entities, 2)

	rec.reset()
	f.room.Tick()
	assert.Empty(t, rec.named(t, protocol.NameEntitiesCreate))
}

func TestRoom_TickBroadcastsOnlyChanges(t *testing.T) {
	f := newFixture(t, room.Options{})
	_, rec := f.join(t, "u1", 1)
	f.room.Tick()
	rec.reset()

	f.room.Tick()
	assert.Empty(t, rec.named(t, protocol.NameEntitiesUpdate))

	f.sim.b.Set("hp", 5)
	f.room.Tick()

	updates := rec.named(t, protocol.NameEntitiesUpdate)
	require.Len(t, updates, 1)
	batch := updates[0].Data.([]any)
	require.Len(t, batch, 1)
	entry := batch[0].(map[string]any)
	assert.EqualValues(t, f.sim.b.NetworkID(), entry["id"])
	assert.Equal(t, map[string]any{"hp": float64(5)}, entry["state"])
}

func TestRoom_KeyframeSendsEveryEntity(t *testing.T) {
	f := newFixture(t, room.Options{KeyframeInterval: 3})
	_, rec := f.join(t, "u1", 1)
	f.room.Tick()
	f.room.Tick()
	rec.reset()

	f.room.Tick()

	updates := rec.named(t, protocol.NameEntitiesUpdate)
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].Data.([]any), 2)
	assert.Equal(t, uint64(3), f.room.Ticks())
}

func TestRoom_TeardownDuringTick(t *testing.T) {
	f := newFixture(t, room.Options{})
	_, rec := f.join(t, "u1", 1)
	f.room.Tick()
	rec.reset()

	doomed := f.sim.a.NetworkID()
	f.sim.onUpdate = func(time.Duration) {
		f.sim.a.Set("hp", 0)
		f.sim.a.Destroy()
		f.sim.b.Set("hp", 19)
	}
	f.room.Tick()

	deletes := rec.named(t, protocol.NameEntitiesDelete)
	require.Len(t, deletes, 1)
	assert.EqualValues(t, doomed, deletes[0].Data)
	updates := rec.named(t, protocol.NameEntitiesUpdate)
	require.Len(t, updates, 1)
	for _, e := range updates[0].Data.([]any) {
		assert.NotEqualValues(t, doomed, e.(map[string]any)["id"])
	}
	_, ok := f.room.Registry().Get(doomed)
	assert.False(t, ok)
}

func TestRoom_SpawnDuringTickIsAnnounced(t *testing.T) {
	f := newFixture(t, room.Options{})
	_, rec := f.join(t, "u1", 1)
	f.room.Tick()
	rec.reset()

	f.sim.onUpdate = func(time.Duration) {
		n := sim.NewNode("c", true)
		f.sim.root.AddChild(n)
		require.NoError(t, f.sim.host.Register(n))
	}
	f.room.Tick()

	creates := rec.named(t, protocol.NameEntitiesCreate)
	require.Len(t, creates, 1)
	assert.Len(t, creates[0].Data.(map[string]any)["entities"], 1)
	assert.Equal(t, 3, f.room.Registry().Len())
}

func TestRoom_LeaveDestroysEmptyRoom(t *testing.T) {
	f := newFixture(t, room.Options{EmptyPolicy: config.EmptyPolicyDestroy})
	p, _ := f.join(t, "u1", 1)
	var closed []room.Closed
	f.room.Destroyed.On(func(c room.Closed) { closed = append(closed, c) })

	left := f.room.Leave(p.User())

	assert.Same(t, p, left)
	assert.True(t, p.IsDestroyed())
	assert.Equal(t, room.StateDestroyed, f.room.State())
	require.Len(t, closed, 1)
	assert.Empty(t, closed[0].Players)
	assert.Zero(t, f.routes.len())
	assert.True(t, f.sim.closed.Load())
	assert.Nil(t, f.room.Leave(p.User()))
}

func TestRoom_KeepPolicySurvivesEmpty(t *testing.T) {
	f := newFixture(t, room.Options{EmptyPolicy: config.EmptyPolicyKeep})
	p, _ := f.join(t, "u1", 1)

	f.room.Leave(p.User())

	assert.Equal(t, room.StateActive, f.room.State())
	assert.Zero(t, f.room.PlayerCount())
}

func TestRoom_EmptyGraceClosesLater(t *testing.T) {
	f := newFixture(t, room.Options{EmptyPolicy: config.EmptyPolicyDestroy, EmptyGrace: 20 * time.Millisecond})
	p, _ := f.join(t, "u1", 1)

	f.room.Leave(p.User())
	assert.Equal(t, room.StateActive, f.room.State())

	require.Eventually(t, func() bool {
		return f.room.State() == room.StateDestroyed
	}, time.Second, 5*time.Millisecond)
}

func TestRoom_RejoinCancelsGrace(t *testing.T) {
	f := newFixture(t, room.Options{EmptyPolicy: config.EmptyPolicyDestroy, EmptyGrace: 30 * time.Millisecond})
	p, _ := f.join(t, "u1", 1)
	f.room.Leave(p.User())

	f.join(t, "u2", 2)

	assert.Never(t, func() bool {
		return f.room.State() == room.StateDestroyed
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRoom_ConcurrentJoinTickLeave(t *testing.T) {
	f := newFixture(t, room.Options{EmptyPolicy: config.EmptyPolicyKeep})
	const n = 8
	players := make([]*room.Player, n)
	recs := make([]*recorder, n)
	for i := range players {
		recs[i] = &recorder{}
		bw := telemetry.NewBandwidth(f.clock.Now)
		ch := channel.New(recs[i], protocol.JSONCodec{}, zaptest.NewLogger(t), channel.WithObserver(bw))
		players[i] = room.NewPlayer(uint64(i+1), session.NewUser(fmt.Sprintf("u%d", i), ch, bw), f.room)
	}

	stop := make(chan struct{})
	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.room.Tick()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for _, p := range players {
		wg.Add(1)
		go func(p *room.Player) {
			defer wg.Done()
			if err := f.room.Join(p); err != nil {
				t.Errorf("join %d: %v", p.ID(), err)
				return
			}
			f.room.Announce(p)
		}(p)
	}
	wg.Wait()
	f.room.Tick()
	assert.Equal(t, n, f.room.PlayerCount())
	for i, rec := range recs {
		assert.Len(t, rec.named(t, protocol.NameEntitiesCreate), 1, "player %d snapshot", i+1)
	}

	for _, p := range players {
		wg.Add(1)
		go func(p *room.Player) {
			defer wg.Done()
			if left := f.room.Leave(p.User()); left != p {
				t.Errorf("leave %d returned %v", p.ID(), left)
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	ticker.Wait()

	assert.Zero(t, f.room.PlayerCount())
	assert.Equal(t, room.StateActive, f.room.State())
	assert.Equal(t, 2, f.room.Registry().Len())
	for _, p := range players {
		assert.True(t, p.IsDestroyed())
	}
}

func TestRoom_CloseDestroysPlayers(t *testing.T) {
	f := newFixture(t, room.Options{})
	p1, _ := f.join(t, "u1", 1)
	p2, _ := f.join(t, "u2", 2)
	var got room.Closed
	f.room.Destroyed.On(func(c room.Closed) { got = c })

	f.room.Close()
	f.room.Close()

	assert.Equal(t, []*room.Player{p1, p2}, got.Players)
	assert.True(t, p1.IsDestroyed())
	assert.True(t, p2.IsDestroyed())
	assert.ErrorIs(t, f.room.Join(room.NewPlayer(3, p1.User(), f.room)), room.ErrRoomDestroyed)
	assert.Zero(t, f.routes.len())

	before := f.sim.updates.Load()
	f.room.Tick()
	assert.Equal(t, before, f.sim.updates.Load())
}

func TestRoom_BroadcastIsRoomScoped(t *testing.T) {
	f := newFixture(t, room.Options{})
	_, rec1 := f.join(t, "u1", 1)
	_, rec2 := f.join(t, "u2", 2)

	f.room.Send("chat", "hello")

	for _, rec := range []*recorder{rec1, rec2} {
		msgs := rec.named(t, "chat")
		require.Len(t, msgs, 1)
		assert.Equal(t, protocol.RoomScope(7), msgs[0].Scope)
		assert.Equal(t, "hello", msgs[0].Data)
	}
}

func TestRoom_PingMeasuresLatency(t *testing.T) {
	f := newFixture(t, room.Options{PingInterval: time.Second})
	p, rec := f.join(t, "u1", 1)

	f.room.Tick()
	pings := rec.named(t, protocol.NamePing)
	require.Len(t, pings, 1)
	assert.Equal(t, protocol.PlayerScope(1), pings[0].Scope)
	var ping telemetry.PingData
	require.NoError(t, protocol.DecodeData(pings[0].Data, &ping))

	f.clock.Advance(40 * time.Millisecond)
	p.Deliver(protocol.NewMessage(&protocol.Envelope{
		Name:  protocol.NamePong,
		Scope: protocol.PlayerScope(1),
		Data:  map[string]any{"id": ping.ID},
	}, nil))

	assert.Equal(t, 40*time.Millisecond, p.Latency())

	f.room.Tick()
	assert.Len(t, rec.named(t, protocol.NamePing), 1, "interval not yet elapsed")
}

func TestRoom_PlayerMessagesExcludePong(t *testing.T) {
	f := newFixture(t, room.Options{})
	p, _ := f.join(t, "u1", 1)
	var names []string
	p.Messages.On(func(m *protocol.Message) { names = append(names, m.Name) })

	p.Deliver(protocol.NewMessage(&protocol.Envelope{Name: protocol.NamePong, Scope: protocol.PlayerScope(1)}, nil))
	p.Deliver(protocol.NewMessage(&protocol.Envelope{Name: "fire", Scope: protocol.PlayerScope(1)}, nil))

	assert.Equal(t, []string{"fire"}, names)
}

func TestRoom_ExhaustionClosesRoom(t *testing.T) {
	// The scene takes both available ids.
	r := room.New(1, "L1", room.Options{}, ids.NewAllocator(0, 2), &routes{live: map[uint64]*entity.Entity{}}, zaptest.NewLogger(t))
	require.NoError(t, r.Initialize(context.Background(), loaderFor(newFakeSim())))

	err := r.Register(sim.NewNode("late", true))

	assert.ErrorIs(t, err, entity.ErrIDSpaceExhausted)
	require.Eventually(t, func() bool {
		return r.State() == room.StateDestroyed
	}, time.Second, 5*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", room.StateActive.String())
	assert.Equal(t, "state(9)", room.State(9).String())
}
